package scheduler

import (
	"time"

	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/teamqueue"
)

const (
	DefaultRequestTimeout        = 30 * time.Second
	DefaultHeartbeatTimeout      = 60 * time.Second
	DefaultDrainGrace            = 30 * time.Second
	DefaultRecoveryGrace         = 120 * time.Second
	DefaultPartialInterval       = 5 * time.Second
	DefaultScheduleDeadline      = 60 * time.Second
	DefaultReplacementGrace      = 60 * time.Second
	DefaultPresenceTimeout       = 90 * time.Second
	DefaultEvictAfter            = time.Hour
	DefaultTickInterval          = time.Second
	DefaultCancelledJobRetention = 30 * time.Minute
	DefaultMaxAgentsPerJob       = 4
	DefaultEvents                = 100000
	DefaultTeam                  = "default"
)

type Config struct {
	// A data channel must start with one of these prefixes.
	TrustedChannels []string
	// Submissions below this budget are refused.
	MinEvents     int
	DefaultEvents int
	DefaultTeam   string
	// Agents a job is split across.
	MaxAgentsPerJob int
	// Times the share of failed agents is handed on before the shortfall is accepted.
	MaxRedistributionRounds int
	RequestTimeout          time.Duration
	HeartbeatTimeout        time.Duration
	DrainGrace              time.Duration
	RecoveryGrace           time.Duration
	PartialInterval         time.Duration
	ScheduleDeadline        time.Duration
	ReplacementGrace        time.Duration
	PresenceTimeout         time.Duration
	EvictAfter              time.Duration
	TickInterval            time.Duration
	CancelledJobRetention   time.Duration
	Quotas                  teamqueue.Quotas
	// Packing of collections pushed to submitters.
	Packing histogram.Options
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (c Config) withDefaults() Config {
	c.RequestTimeout = durationOr(c.RequestTimeout, DefaultRequestTimeout)
	c.HeartbeatTimeout = durationOr(c.HeartbeatTimeout, DefaultHeartbeatTimeout)
	c.DrainGrace = durationOr(c.DrainGrace, DefaultDrainGrace)
	c.RecoveryGrace = durationOr(c.RecoveryGrace, DefaultRecoveryGrace)
	c.PartialInterval = durationOr(c.PartialInterval, DefaultPartialInterval)
	c.ScheduleDeadline = durationOr(c.ScheduleDeadline, DefaultScheduleDeadline)
	c.ReplacementGrace = durationOr(c.ReplacementGrace, DefaultReplacementGrace)
	c.PresenceTimeout = durationOr(c.PresenceTimeout, DefaultPresenceTimeout)
	c.EvictAfter = durationOr(c.EvictAfter, DefaultEvictAfter)
	c.TickInterval = durationOr(c.TickInterval, DefaultTickInterval)
	c.CancelledJobRetention = durationOr(c.CancelledJobRetention, DefaultCancelledJobRetention)
	if c.MaxAgentsPerJob <= 0 {
		c.MaxAgentsPerJob = DefaultMaxAgentsPerJob
	}
	if c.DefaultEvents <= 0 {
		c.DefaultEvents = DefaultEvents
	}
	if c.DefaultTeam == "" {
		c.DefaultTeam = DefaultTeam
	}
	return c
}
