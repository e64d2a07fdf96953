package fakeagent

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/logging"
	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
)

// AppConfig configures a process hosting several fake agents on one NATS connection.
type AppConfig struct {
	Logging logging.Config
	Nats    bus.NatsConfig
	Agents  []Config `validate:"required,min=1,dive"`
}

func (c AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if len(c.Nats.Servers) == 0 {
		return errors.New("at least one NATS server is required")
	}
	seen := map[string]bool{}
	for _, agent := range c.Agents {
		if seen[agent.Id] {
			return errors.Errorf("agent %s is configured twice", agent.Id)
		}
		seen[agent.Id] = true
	}
	return nil
}

// StartUp connects to NATS and runs every configured agent until ctx is cancelled.
func StartUp(ctx *lqcontext.Context, config AppConfig) error {
	b, err := bus.ConnectNats(ctx, config.Nats)
	if err != nil {
		return errors.WithMessage(err, "error connecting to nats")
	}
	defer b.Close()
	return RunAgents(ctx, b, config.Agents)
}

// RunAgents runs one agent per config on b until ctx is cancelled or an agent fails.
func RunAgents(ctx *lqcontext.Context, b bus.Bus, configs []Config) error {
	g, ctx := lqcontext.ErrGroup(ctx)
	for _, config := range configs {
		agent := New(config, b, clock.RealClock{})
		g.Go(func() error { return agent.Run(ctx) })
	}
	return g.Wait()
}
