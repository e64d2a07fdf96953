// Package fakeagent is a simulated event generator agent. It speaks the agent side of the bus protocol and fills
// histograms with normally distributed samples whose mean follows the tune, so that results vary smoothly with the
// parameters. It is used in tests and by the fakeagent command to exercise a job manager without a real generator.
package fakeagent

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
)

var ErrBusy = errors.New("agent has no free slot")

type Config struct {
	Id        string `validate:"required"`
	Generator string `validate:"required"`
	Version   string
	Beams     []string
	Slots     int `validate:"gte=1"`
	Group     string

	// Events generated per frame and job.
	FrameEvents   int           `validate:"gte=1"`
	FrameInterval time.Duration `validate:"required"`
	// Interval of presence and heartbeat messages.
	PresenceInterval  time.Duration `validate:"required"`
	HeartbeatInterval time.Duration `validate:"required"`
	Bins              int           `validate:"gte=1"`
	// Bin counts of individual histograms, overriding Bins.
	HistogramBins map[string]int
	Seed          uint64

	// Run requests are refused.
	RejectRuns bool
	// A job fails once this many of its events were generated. Zero never fails.
	FailAfterEvents int
	// Failures are reported as fatal.
	Fatal bool
	// A job stops producing frames and heartbeats, without telling anyone, once this many of its events were
	// generated. Zero never stalls.
	StallAfterEvents int
	// No bye is sent on shutdown.
	SkipBye bool
}

func (c Config) withDefaults() Config {
	if c.Slots < 1 {
		c.Slots = 1
	}
	if c.FrameEvents < 1 {
		c.FrameEvents = 1000
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 100 * time.Millisecond
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.Bins < 1 {
		c.Bins = 20
	}
	return c
}

type job struct {
	run       protocol.Run
	target    int
	generated int
	stopped   bool
	stalled   bool
	dist      distuv.Normal
}

// Agent runs jobs handed to it by a job manager.
type Agent struct {
	config  Config
	clock   clock.Clock
	channel bus.Channel
	agents  bus.Channel
	rand    *rand.Rand

	mu   sync.Mutex
	jobs map[string]*job
	// Frame sequence numbers increase across all jobs, so a job run twice on the agent never repeats one.
	seq int64
	// Events generated per finished job.
	finished map[string]int
}

func New(config Config, b bus.Bus, clk clock.Clock) *Agent {
	config = config.withDefaults()
	return &Agent{
		config:   config,
		clock:    clk,
		channel:  b.Channel(bus.AgentChannel(config.Id)),
		agents:   b.Channel(bus.AgentsChannel),
		rand:     rand.New(rand.NewSource(config.Seed)),
		jobs:     map[string]*job{},
		finished: map[string]int{},
	}
}

func (a *Agent) Id() string {
	return a.config.Id
}

// Jobs returns the ids of the jobs the agent is working on, sorted.
func (a *Agent) Jobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := maps.Keys(a.jobs)
	sort.Strings(ids)
	return ids
}

// Generated returns the events generated for a job the agent finished, and whether it finished it.
func (a *Agent) Generated(jobId string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	events, ok := a.finished[jobId]
	return events, ok
}

// Run announces the agent and works on the jobs it is given until ctx is cancelled.
func (a *Agent) Run(ctx *lqcontext.Context) error {
	ctx = lqcontext.WithLogField(ctx, "agent", a.config.Id)
	handlers := map[string]bus.Handler{
		bus.ActionRun:    a.handleRun,
		bus.ActionStop:   a.handleStop,
		bus.ActionReload: a.handleReload,
	}
	for action, handler := range handlers {
		if _, err := a.channel.Subscribe(action, handler); err != nil {
			return errors.WithMessagef(err, "subscribing to %s", action)
		}
	}
	defer a.channel.Close()

	a.sendPresence(ctx)
	presence := a.clock.NewTicker(a.config.PresenceInterval)
	defer presence.Stop()
	heartbeat := a.clock.NewTicker(a.config.HeartbeatInterval)
	defer heartbeat.Stop()
	frames := a.clock.NewTicker(a.config.FrameInterval)
	defer frames.Stop()
	ctx.Log.Info("Fake agent started")
	for {
		select {
		case <-ctx.Done():
			if !a.config.SkipBye {
				byeCtx, cancel := lqcontext.WithTimeout(lqcontext.Background(), time.Second)
				a.send(byeCtx, bus.ActionBye, &protocol.Bye{Agent: a.config.Id})
				cancel()
			}
			ctx.Log.Info("Fake agent stopped")
			return nil
		case <-presence.C():
			a.sendPresence(ctx)
		case <-heartbeat.C():
			a.sendHeartbeats(ctx)
		case <-frames.C():
			a.generate(ctx)
		}
	}
}

func (a *Agent) send(ctx *lqcontext.Context, action string, payload any) {
	if err := a.agents.Send(ctx, action, payload); err != nil {
		ctx.Log.WithError(err).Warnf("Could not send %s", action)
	}
}

func (a *Agent) sendPresence(ctx *lqcontext.Context) {
	a.send(ctx, bus.ActionPresence, &protocol.Presence{
		Agent:     a.config.Id,
		Generator: a.config.Generator,
		Version:   a.config.Version,
		Beams:     a.config.Beams,
		Slots:     a.config.Slots,
		Group:     a.config.Group,
		Jobs:      a.Jobs(),
	})
}

func (a *Agent) sendHeartbeats(ctx *lqcontext.Context) {
	a.mu.Lock()
	var ids []string
	for id, j := range a.jobs {
		if !j.stalled {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		a.send(ctx, bus.ActionHeartbeat, &protocol.Heartbeat{Agent: a.config.Id, JobId: id})
	}
}

func (a *Agent) handleRun(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var run protocol.Run
	if err := msg.Decode(&run); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.config.RejectRuns || len(a.jobs) >= a.config.Slots {
		return nil, ErrBusy
	}
	if _, ok := a.jobs[run.JobId]; ok {
		return nil, nil
	}
	a.jobs[run.JobId] = &job{
		run:    run,
		target: run.Events,
		dist:   distuv.Normal{Mu: mean(run.Parameters), Sigma: 1, Src: a.rand},
	}
	return nil, nil
}

func (a *Agent) handleStop(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var ref protocol.JobRef
	if err := msg.Decode(&ref); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if j, ok := a.jobs[ref.JobId]; ok {
		j.stopped = true
	}
	return nil, nil
}

func (a *Agent) handleReload(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var reload protocol.Reload
	if err := msg.Decode(&reload); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[reload.JobId]
	if !ok || j.stopped {
		return nil, errors.Errorf("job %s is not running", reload.JobId)
	}
	j.target += reload.Events
	return nil, nil
}

// generate produces one frame for every job and reports jobs that ended.
func (a *Agent) generate(ctx *lqcontext.Context) {
	type outgoing struct {
		action  string
		payload any
	}
	var messages []outgoing

	a.mu.Lock()
	ids := maps.Keys(a.jobs)
	sort.Strings(ids)
	for _, id := range ids {
		j := a.jobs[id]
		if j.stalled {
			continue
		}
		if !j.stopped && j.generated < j.target {
			events := j.target - j.generated
			if events > a.config.FrameEvents {
				events = a.config.FrameEvents
			}
			a.seq++
			j.generated += events
			messages = append(messages, outgoing{bus.ActionJobData, &protocol.Frame{
				Agent:      a.config.Id,
				JobId:      id,
				Seq:        a.seq,
				Events:     events,
				Histograms: a.fill(j, events),
			}})
		}
		switch {
		case a.config.StallAfterEvents > 0 && j.generated >= a.config.StallAfterEvents:
			j.stalled = true
		case a.config.FailAfterEvents > 0 && j.generated >= a.config.FailAfterEvents:
			delete(a.jobs, id)
			a.finished[id] = j.generated
			messages = append(messages, outgoing{bus.ActionJobFailed, &protocol.AgentJobFailed{
				Agent: a.config.Id,
				JobId: id,
				Error: "generator crashed",
				Fatal: a.config.Fatal,
			}})
		case j.stopped || j.generated >= j.target:
			delete(a.jobs, id)
			a.finished[id] = j.generated
			messages = append(messages, outgoing{bus.ActionJobCompleted, &protocol.AgentJobCompleted{
				Agent:  a.config.Id,
				JobId:  id,
				Events: j.generated,
			}})
		}
	}
	a.mu.Unlock()

	for _, m := range messages {
		a.send(ctx, m.action, m.payload)
	}
}

func (a *Agent) edges(name string) ([]float64, []float64) {
	bins := a.config.Bins
	if n, ok := a.config.HistogramBins[name]; ok && n > 0 {
		bins = n
	}
	xLow := make([]float64, bins)
	xHigh := make([]float64, bins)
	width := 10 / float64(bins)
	for i := range xLow {
		xLow[i] = -5 + float64(i)*width
		xHigh[i] = xLow[i] + width
	}
	return xLow, xHigh
}

// fill draws events samples into every requested histogram. Histograms span [-5, 5) in equal bins.
func (a *Agent) fill(j *job, events int) *histogram.IntermediateCollection {
	collection := histogram.NewIntermediateCollection()
	for k, name := range j.run.Histograms {
		xLow, xHigh := a.edges(name)
		h := histogram.NewIntermediate(name, xLow, xHigh)
		// Each histogram sees the distribution shifted a little, so they are not identical.
		shift := 0.1 * float64(k)
		for i := 0; i < events; i++ {
			h.Fill(j.dist.Rand()+shift, 1)
		}
		collection.Put(h)
	}
	return collection
}

// mean maps a tune to a location within the histogram range.
func mean(parameters map[string]float64) float64 {
	if len(parameters) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range parameters {
		sum += v
	}
	return math.Max(-4, math.Min(4, sum/float64(len(parameters))))
}
