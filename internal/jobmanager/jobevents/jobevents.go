// Package jobevents publishes job lifecycle transitions for consumers outside the job manager, such as dashboards and
// accounting. Publishing is best effort and never blocks the scheduler.
package jobevents

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
)

// Event is one state transition of a job.
type Event struct {
	JobId    string         `json:"jobId"`
	Lab      string         `json:"lab"`
	Team     string         `json:"team"`
	Owner    string         `json:"owner"`
	State    jobdb.JobState `json:"state"`
	Previous jobdb.JobState `json:"previous"`
	Time     time.Time      `json:"time"`
	Agents   []string       `json:"agents,omitempty"`
	// Events merged when the transition happened.
	Events  int    `json:"events"`
	Message string `json:"message,omitempty"`
}

// NewEvent describes job entering its current state from previous.
func NewEvent(job *jobdb.Job, previous jobdb.JobState, now time.Time, message string) Event {
	return Event{
		JobId:    job.Id,
		Lab:      job.Lab,
		Team:     job.Team,
		Owner:    job.Owner,
		State:    job.State,
		Previous: previous,
		Time:     now,
		Agents:   slices.Clone(job.Agents),
		Events:   job.TotalEvents,
		Message:  message,
	}
}

type Publisher interface {
	// Publish hands the event to the publisher without blocking. Failures are logged, not returned.
	Publish(event Event)
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

func (NoopPublisher) Close() error {
	return nil
}

// Recorder keeps every published event in memory.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Close() error {
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// States returns the states jobId went through, in order.
func (r *Recorder) States(jobId string) []jobdb.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []jobdb.JobState
	for _, e := range r.events {
		if e.JobId == jobId {
			states = append(states, e.State)
		}
	}
	return states
}

// Verify checks that the recorded transitions of every job chain together and follow the job state machine.
func (r *Recorder) Verify() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := map[string]jobdb.JobState{}
	for _, e := range r.events {
		if previous, ok := last[e.JobId]; ok && previous != e.Previous {
			return errors.Errorf("job %s: event from %s does not follow recorded state %s", e.JobId, e.Previous, previous)
		}
		if !jobdb.ValidTransition(e.Previous, e.State) {
			return errors.Errorf("job %s: invalid transition from %s to %s", e.JobId, e.Previous, e.State)
		}
		last[e.JobId] = e.State
	}
	return nil
}
