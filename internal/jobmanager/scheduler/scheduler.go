// Package scheduler is the control loop of the job manager. It admits submissions, answers them from the
// interpolation cache when it can, dispatches the rest to agents, merges what the agents stream back and drives every
// job to exactly one terminal message.
//
// All scheduling state is owned by a single goroutine, the one running Run. Bus handlers and worker pool tasks never
// touch it directly: they post closures to the loop and, for request/reply actions, wait for the loop's answer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/interpolator"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/jobevents"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/merger"
	"github.com/liveq/jobmanager/internal/jobmanager/metrics"
	"github.com/liveq/jobmanager/internal/jobmanager/results"
	"github.com/liveq/jobmanager/internal/jobmanager/teamqueue"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
	"github.com/liveq/jobmanager/internal/jobmanager/workerpool"
)

type Scheduler struct {
	config        Config
	clock         clock.Clock
	bus           bus.Bus
	jobsChannel   bus.Channel
	agentsChannel bus.Channel
	labs          *lab.Registry
	quantisation  *tune.QuantisationTable
	agents        *agentdb.AgentDb
	jobRepository jobdb.JobRepository
	merger        *merger.Merger
	cache         *interpolator.Cache
	pool          *workerpool.Pool
	results       *results.Writer
	publisher     jobevents.Publisher
	metrics       *metrics.Metrics

	// Everything below is owned by the loop.
	ctx   *lqcontext.Context
	queue *teamqueue.TeamQueue
	// Non-terminal jobs by id.
	jobs map[string]*liveJob
	// Recently finished jobs by id, so that late cancel and status requests need no store round trip.
	finished *cache.Cache

	inbox inbox
	ready chan struct{}
	done  chan struct{}
}

func New(
	config Config,
	b bus.Bus,
	labs *lab.Registry,
	quantisation *tune.QuantisationTable,
	agents *agentdb.AgentDb,
	jobRepository jobdb.JobRepository,
	m *merger.Merger,
	c *interpolator.Cache,
	pool *workerpool.Pool,
	writer *results.Writer,
	publisher jobevents.Publisher,
	schedulerMetrics *metrics.Metrics,
	clk clock.Clock,
) *Scheduler {
	config = config.withDefaults()
	if publisher == nil {
		publisher = jobevents.NoopPublisher{}
	}
	return &Scheduler{
		config:        config,
		clock:         clk,
		bus:           b,
		jobsChannel:   b.Channel(bus.JobsChannel),
		agentsChannel: b.Channel(bus.AgentsChannel),
		labs:          labs,
		quantisation:  quantisation,
		agents:        agents,
		jobRepository: jobRepository,
		merger:        m,
		cache:         c,
		pool:          pool,
		results:       writer,
		publisher:     publisher,
		metrics:       schedulerMetrics,
		queue:         teamqueue.New(clk),
		jobs:          map[string]*liveJob{},
		finished:      cache.New(config.CancelledJobRetention, config.CancelledJobRetention),
		inbox:         inbox{signal: make(chan struct{}, 1)},
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Ready is closed once the scheduler has recovered unfinished jobs and subscribed to the bus.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Run recovers unfinished jobs from the job store, subscribes to the jobs and agents channels and runs the
// scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx *lqcontext.Context) error {
	defer close(s.done)
	s.ctx = ctx
	if err := s.recoverJobs(ctx); err != nil {
		return err
	}
	if err := s.subscribe(); err != nil {
		return err
	}
	defer func() {
		s.jobsChannel.Close()
		s.agentsChannel.Close()
	}()
	close(s.ready)
	ctx.Log.Infof("Scheduler started with %d unfinished jobs", len(s.jobs))

	ticker := s.clock.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ctx.Log.Infof("Scheduler stopping with %d unfinished jobs", len(s.jobs))
			return nil
		case <-s.inbox.signal:
			for _, fn := range s.inbox.drain() {
				s.handle(fn)
			}
		case <-ticker.C():
			s.handle(s.tick)
		}
	}
}

func (s *Scheduler) handle(fn func()) {
	start := time.Now()
	fn()
	s.metrics.SchedulerEventLength.Observe(time.Since(start).Seconds())
}

// post hands fn to the loop. It never blocks.
func (s *Scheduler) post(fn func()) {
	s.inbox.push(fn)
}

// call runs fn on the loop and waits for its result.
func (s *Scheduler) call(ctx context.Context, fn func() (any, error)) (any, error) {
	type result struct {
		value any
		err   error
	}
	reply := make(chan result, 1)
	s.post(func() {
		value, err := fn()
		reply <- result{value: value, err: err}
	})
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-s.done:
		return nil, errors.WithStack(bus.ErrClosed)
	}
}

// tick runs the time driven parts of scheduling.
func (s *Scheduler) tick() {
	now := s.clock.Now()
	s.checkAgents(now)
	for _, lj := range s.sortedJobs() {
		s.checkJob(lj, now)
	}
	s.dispatch()
	s.updateGauges()
}

func (s *Scheduler) updateGauges() {
	s.metrics.SetQueued(s.queue.LenByTeam())
	byState := map[string]int{}
	for _, state := range []jobdb.JobState{jobdb.Pending, jobdb.Scheduled, jobdb.Running, jobdb.Draining} {
		byState[state.String()] = 0
	}
	for _, lj := range s.jobs {
		byState[lj.job.State.String()]++
	}
	s.metrics.SetJobsByState(byState)
}

// inbox is an unbounded queue of closures for the loop; push never blocks, even while the loop itself is blocked
// submitting to the worker pool.
type inbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
}

func (in *inbox) push(fn func()) {
	in.mu.Lock()
	in.queue = append(in.queue, fn)
	in.mu.Unlock()
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

func (in *inbox) drain() []func() {
	in.mu.Lock()
	defer in.mu.Unlock()
	queue := in.queue
	in.queue = nil
	return queue
}
