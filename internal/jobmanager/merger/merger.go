// Package merger combines the intermediate histogram frames streamed by the agents running a job into one merged
// collection.
package merger

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
)

const DefaultMaxQueuedFrames = 32

// Frame is one partial result sent by an agent. Events is the number of events generated since the previous frame
// of the same agent; Collection holds the moments of those events only.
type Frame struct {
	JobId      string
	AgentId    string
	Seq        int64
	Events     int
	Collection *histogram.IntermediateCollection
}

// Mismatch records one histogram of one frame that was dropped because it could not be merged.
type Mismatch struct {
	JobId     string
	AgentId   string
	Seq       int64
	Histogram string
	Err       error
}

// Result describes what happened to an offered frame.
type Result struct {
	// Duplicate is set when a frame with the same (agent, seq) was already accepted. Nothing was changed.
	Duplicate bool
	// Mismatches holds histograms dropped while merging queued frames early because the queue was full.
	Mismatches []Mismatch
}

// Progress is a cheap view of an accumulator that does not merge queued frames.
type Progress struct {
	Events    int
	PerAgent  map[string]int
	LastFrame time.Time
	Queued    int
}

type frameKey struct {
	agent string
	seq   int64
}

// accumulator is the merge state of one job.
type accumulator struct {
	jobId string
	// Histograms to keep; empty keeps everything.
	selection map[string]bool
	merged    *histogram.IntermediateCollection
	// Events of merged frames.
	mergedEvents int
	// Events behind each merged histogram. A histogram dropped from a frame does not count that frame's events.
	histogramEvents map[string]int
	// Events of accepted frames, merged or still queued, per agent.
	acceptedEvents map[string]int
	seen           map[frameKey]bool
	queue          []*Frame
	lastFrame      time.Time
}

func (a *accumulator) selected(name string) bool {
	return len(a.selection) == 0 || a.selection[name]
}

func (a *accumulator) merge(frame *Frame) []Mismatch {
	var mismatches []Mismatch
	for _, item := range frame.Collection.Items() {
		if !a.selected(item.Name) {
			continue
		}
		err := item.Validate()
		if err == nil {
			if existing, ok := a.merged.Get(item.Name); ok {
				err = existing.Add(item)
			} else {
				a.merged.Put(item.Clone())
			}
		}
		if err == nil {
			a.histogramEvents[item.Name] += frame.Events
		} else {
			mismatches = append(mismatches, Mismatch{
				JobId:     frame.JobId,
				AgentId:   frame.AgentId,
				Seq:       frame.Seq,
				Histogram: item.Name,
				Err:       err,
			})
		}
	}
	a.mergedEvents += frame.Events
	return mismatches
}

func (a *accumulator) finalise() *histogram.Collection {
	out := histogram.NewCollection()
	for _, item := range a.merged.Items() {
		out.Add(item.Finalise(float64(a.histogramEvents[item.Name])))
	}
	return out
}

func (a *accumulator) flush() []Mismatch {
	var mismatches []Mismatch
	for _, frame := range a.queue {
		mismatches = append(mismatches, a.merge(frame)...)
	}
	a.queue = a.queue[:0]
	return mismatches
}

// Merger holds one accumulator per open job. Frames are queued on Offer and merged on Flush or Snapshot; a job whose
// queue grows beyond maxQueuedFrames has its oldest frames merged straight away.
type Merger struct {
	maxQueuedFrames int
	clock           clock.PassiveClock
	accumulators    map[string]*accumulator
	mu              sync.Mutex
}

func New(maxQueuedFrames int, clk clock.PassiveClock) *Merger {
	if maxQueuedFrames <= 0 {
		maxQueuedFrames = DefaultMaxQueuedFrames
	}
	return &Merger{
		maxQueuedFrames: maxQueuedFrames,
		clock:           clk,
		accumulators:    map[string]*accumulator{},
	}
}

// Open starts accumulating frames for jobId, keeping only the named histograms (all if none are named). Opening an
// already open job resets its accumulator.
func (m *Merger) Open(jobId string, histograms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	selection := make(map[string]bool, len(histograms))
	for _, name := range histograms {
		selection[name] = true
	}
	m.accumulators[jobId] = &accumulator{
		jobId:           jobId,
		selection:       selection,
		merged:          histogram.NewIntermediateCollection(),
		histogramEvents: map[string]int{},
		acceptedEvents:  map[string]int{},
		seen:            map[frameKey]bool{},
	}
}

func (m *Merger) IsOpen(jobId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accumulators[jobId]
	return ok
}

func (m *Merger) get(jobId string) (*accumulator, error) {
	a, ok := m.accumulators[jobId]
	if !ok {
		return nil, errors.WithStack(&lqerrors.ErrNotFound{Type: "accumulator", Value: jobId})
	}
	return a, nil
}

// Offer queues a frame. A frame whose (agent, seq) was seen before is dropped.
func (m *Merger) Offer(frame *Frame) (Result, error) {
	if frame.Collection == nil || frame.Events < 0 {
		return Result{}, errors.WithStack(&lqerrors.ErrProtocol{
			Action:  "job_data",
			Message: "frame has no histograms or a negative event count",
		})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(frame.JobId)
	if err != nil {
		return Result{}, err
	}
	key := frameKey{agent: frame.AgentId, seq: frame.Seq}
	if a.seen[key] {
		return Result{Duplicate: true}, nil
	}
	a.seen[key] = true
	a.acceptedEvents[frame.AgentId] += frame.Events
	a.lastFrame = m.clock.Now()
	a.queue = append(a.queue, frame)

	var result Result
	for len(a.queue) > m.maxQueuedFrames {
		oldest := a.queue[0]
		a.queue = a.queue[1:]
		result.Mismatches = append(result.Mismatches, a.merge(oldest)...)
	}
	logMismatches(result.Mismatches)
	return result, nil
}

// Flush merges every queued frame of jobId and returns the histograms that had to be dropped.
func (m *Merger) Flush(jobId string) ([]Mismatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(jobId)
	if err != nil {
		return nil, err
	}
	mismatches := a.flush()
	logMismatches(mismatches)
	return mismatches, nil
}

// Snapshot merges queued frames and returns the finalised collection together with the number of merged events.
// Each histogram is normalised by the events of the frames it was actually merged from.
func (m *Merger) Snapshot(jobId string) (*histogram.Collection, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(jobId)
	if err != nil {
		return nil, 0, err
	}
	logMismatches(a.flush())
	return a.finalise(), a.mergedEvents, nil
}

// Progress reports accepted events without merging.
func (m *Merger) Progress(jobId string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accumulators[jobId]
	if !ok {
		return Progress{}, false
	}
	p := Progress{
		PerAgent:  maps.Clone(a.acceptedEvents),
		LastFrame: a.lastFrame,
		Queued:    len(a.queue),
	}
	for _, events := range a.acceptedEvents {
		p.Events += events
	}
	return p, true
}

// Agents returns the agents that contributed at least one frame, sorted.
func (m *Merger) Agents(jobId string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accumulators[jobId]
	if !ok {
		return nil
	}
	agents := maps.Keys(a.acceptedEvents)
	slices.Sort(agents)
	return agents
}

// Close drops the accumulator of jobId, including any queued frames.
func (m *Merger) Close(jobId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accumulators, jobId)
}

// QueuedFrames is the total number of frames waiting to be merged across all jobs.
func (m *Merger) QueuedFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.accumulators {
		n += len(a.queue)
	}
	return n
}

func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accumulators)
}

func logMismatches(mismatches []Mismatch) {
	for _, mm := range mismatches {
		log.WithFields(log.Fields{
			"jobId":     mm.JobId,
			"agentId":   mm.AgentId,
			"seq":       mm.Seq,
			"histogram": mm.Histogram,
		}).WithError(mm.Err).Error("dropped histogram from frame")
	}
}
