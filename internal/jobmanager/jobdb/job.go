// Package jobdb is the durable record of every submitted job.
package jobdb

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

type JobState int

const (
	Pending JobState = iota
	Scheduled
	Running
	Draining
	Completed
	Cancelled
	Failed
)

var jobStateNames = map[JobState]string{
	Pending:   "pending",
	Scheduled: "scheduled",
	Running:   "running",
	Draining:  "draining",
	Completed: "completed",
	Cancelled: "cancelled",
	Failed:    "failed",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseJobState(s string) (JobState, error) {
	for state, name := range jobStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, errors.Errorf("unknown job state %q", s)
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(text []byte) error {
	parsed, err := ParseJobState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal is true for completed, cancelled and failed.
func (s JobState) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

var validTransitions = map[JobState][]JobState{
	Pending:   {Scheduled, Cancelled, Completed},
	Scheduled: {Running, Pending, Draining},
	Running:   {Draining, Failed},
	Draining:  {Completed, Cancelled, Failed},
}

// ValidTransition reports whether a job may move from one state to the other. Staying in the same non-terminal state
// is allowed.
func ValidTransition(from, to JobState) bool {
	if from == to {
		return !from.Terminal()
	}
	return slices.Contains(validTransitions[from], to)
}

// Job is the persisted record of a submission.
type Job struct {
	Id   string `json:"id"`
	Lab  string `json:"lab"`
	Team string `json:"team"`
	// Parameters of the tune the job runs.
	Parameters map[string]float64 `json:"parameters"`
	// Name of the submitter; partial and final results go to its job-responses channel.
	Owner string `json:"owner"`
	// Event budget, fixed at creation.
	Events  int       `json:"events"`
	State   JobState  `json:"state"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	// Histograms selected by the submitter. Empty selects all.
	Histograms  []string `json:"histograms,omitempty"`
	ResultsPath string   `json:"resultsPath,omitempty"`
	// Agents the job was last dispatched to.
	Agents      []string `json:"agents,omitempty"`
	TotalEvents int      `json:"totalEvents"`
	Warning     string   `json:"warning,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (j *Job) Tune() tune.Tune {
	return tune.New(j.Lab, j.Parameters)
}

func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Parameters = maps.Clone(j.Parameters)
	c.Histograms = slices.Clone(j.Histograms)
	c.Agents = slices.Clone(j.Agents)
	return &c
}

// checkTransition returns an ErrInvalidTransition if next may not replace existing.
func checkTransition(existing, next *Job) error {
	if existing == nil || ValidTransition(existing.State, next.State) {
		return nil
	}
	return errors.WithStack(&lqerrors.ErrInvalidTransition{
		JobId: next.Id,
		From:  existing.State.String(),
		To:    next.State.String(),
	})
}

func notFound(id string) error {
	return errors.WithStack(&lqerrors.ErrNotFound{Type: "job", Value: id})
}

func alreadyExists(id string) error {
	return errors.WithStack(&lqerrors.ErrAlreadyExists{Type: "job", Value: id})
}
