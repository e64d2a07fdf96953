// Package workerpool runs blocking work off the scheduler loop. Work is sharded by key: tasks submitted with the same
// key run one at a time, in submission order.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/liveq/jobmanager/internal/common/logging"
	"github.com/liveq/jobmanager/internal/common/lqcontext"
)

var ErrStopped = errors.New("worker pool stopped")

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

type Config struct {
	Workers   int `validate:"gte=0"`
	QueueSize int `validate:"gte=0"`
}

// Task is a unit of work. The context is not cancelled when the pool stops; queued tasks are drained.
type Task func(ctx *lqcontext.Context) error

type item struct {
	key       string
	name      string
	task      Task
	submitted time.Time
}

// Observer is told how long each task waited in the queue and how long it ran.
type Observer func(name string, wait, run time.Duration, err error)

type Pool struct {
	shards   []chan item
	observer Observer
	stopped  bool
	// Held for reading while submitting so that Stop never closes a shard under a sender.
	mu sync.RWMutex
}

func New(config Config, observer Observer) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	shards := make([]chan item, config.Workers)
	for i := range shards {
		shards[i] = make(chan item, config.QueueSize)
	}
	if observer == nil {
		observer = func(string, time.Duration, time.Duration, error) {}
	}
	return &Pool{shards: shards, observer: observer}
}

func (p *Pool) shard(key string) chan item {
	return p.shards[xxhash.Sum64String(key)%uint64(len(p.shards))]
}

// Submit queues task on the shard of key, blocking while that shard is full. It fails with ErrStopped once the pool
// is stopping, or with the context's error if ctx is done first.
func (p *Pool) Submit(ctx context.Context, key, name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errors.WithStack(ErrStopped)
	}
	select {
	case p.shard(key) <- item{key: key, name: name, task: task, submitted: time.Now()}:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// QueueDepth is the number of tasks waiting across all shards.
func (p *Pool) QueueDepth() int {
	n := 0
	for _, shard := range p.shards {
		n += len(shard)
	}
	return n
}

// Run starts one worker per shard and blocks until ctx is cancelled and every queued task has run.
func (p *Pool) Run(ctx *lqcontext.Context) error {
	taskCtx := lqcontext.New(context.Background(), ctx.Log)
	var g errgroup.Group
	for i, shard := range p.shards {
		i, shard := i, shard
		g.Go(func() error {
			p.work(lqcontext.WithLogField(taskCtx, "worker", i), shard)
			return nil
		})
	}
	<-ctx.Done()
	p.stop()
	return g.Wait()
}

func (p *Pool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for _, shard := range p.shards {
		close(shard)
	}
}

func (p *Pool) work(ctx *lqcontext.Context, shard chan item) {
	for it := range shard {
		start := time.Now()
		err := p.runTask(ctx, it)
		p.observer(it.name, start.Sub(it.submitted), time.Since(start), err)
		if err != nil {
			logging.WithStacktrace(ctx.Log.WithFields(map[string]interface{}{"key": it.key, "task": it.name}), err).
				Error("worker pool task failed")
		}
	}
}

func (p *Pool) runTask(ctx *lqcontext.Context, it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %s panicked: %v", it.name, r)
		}
	}()
	return it.task(ctx)
}
