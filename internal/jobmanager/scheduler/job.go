package scheduler

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/merger"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

type assignmentState int

const (
	// run was sent, no answer yet.
	dispatching assignmentState = iota
	// The agent accepted its share and is generating.
	generating
	// stop was sent while draining.
	stopping
	// The agent reported its share complete.
	done
)

// assignment is the part of a job given to one agent.
type assignment struct {
	agentId string
	// Events the agent was asked to generate, including reloads.
	share     int
	state     assignmentState
	lastHeard time.Time
	// Events accepted from the agent for the job before this assignment, when it ran the job before.
	baseline int
	// Events the agent said it generated when it reported done.
	reported int
	doneAt   time.Time
	// Set once the agent's slot has been given back to the registry.
	released bool
}

// active is true while the agent is expected to produce frames.
func (a *assignment) active() bool {
	return a.state != done
}

// liveJob is the scheduler's view of a non-terminal job.
type liveJob struct {
	job  *jobdb.Job
	tune tune.Tune
	lab  lab.Lab
	ctx  *lqcontext.Context

	assignments map[string]*assignment
	// Events of failed shares that no agent has taken over yet.
	unassigned int
	// When the job was last scheduled, for the schedule deadline.
	scheduledAt time.Time
	// When a running job lost its last agent, for the replacement grace.
	orphanedAt time.Time
	// Redistribution rounds used.
	rounds int
	// Events given up on after the last redistribution round.
	shortfall int

	// Terminal state the job reaches once drained.
	outcome    jobdb.JobState
	reason     string
	drainingAt time.Time
	// Set while the final results are persisted; the terminal message has not been sent yet.
	finishing bool

	lastPartial       time.Time
	lastPartialEvents int
	// Set once the submitter received an interpolated preview.
	previewed bool

	// Recovery after a restart: agents recorded for the job that have not presented it again, and the deadline.
	unrecovered    map[string]bool
	recoverBy      time.Time
	recoveredShare int
}

func newLiveJob(ctx *lqcontext.Context, job *jobdb.Job, l lab.Lab) *liveJob {
	return &liveJob{
		job:         job,
		tune:        job.Tune(),
		lab:         l,
		ctx:         lqcontext.WithLogFields(ctx, log.Fields{"jobId": job.Id, "lab": job.Lab, "owner": job.Owner}),
		assignments: map[string]*assignment{},
	}
}

// target is the number of events after which the job is complete.
func (lj *liveJob) target() int {
	return lj.job.Events - lj.shortfall
}

func (lj *liveJob) agentIds() []string {
	ids := maps.Keys(lj.assignments)
	sort.Strings(ids)
	return ids
}

// count returns the number of assignments in one of the given states.
func (lj *liveJob) count(states ...assignmentState) int {
	n := 0
	for _, a := range lj.assignments {
		for _, state := range states {
			if a.state == state {
				n++
				break
			}
		}
	}
	return n
}

// received is the number of events accepted from the agent for this assignment.
func (a *assignment) received(progress merger.Progress) int {
	return progress.PerAgent[a.agentId] - a.baseline
}

// settled is true for assignments that need nothing more: reported done and every reported event has arrived, or
// reported done long enough ago that missing frames are not coming.
func (a *assignment) settled(progress merger.Progress, now time.Time, grace time.Duration) bool {
	if a.state != done {
		return false
	}
	return a.received(progress) >= a.reported || now.Sub(a.doneAt) >= grace
}

func (lj *liveJob) recovering() bool {
	return !lj.recoverBy.IsZero()
}

func (s *Scheduler) sortedJobs() []*liveJob {
	ids := maps.Keys(s.jobs)
	sort.Strings(ids)
	jobs := make([]*liveJob, len(ids))
	for i, id := range ids {
		jobs[i] = s.jobs[id]
	}
	return jobs
}

// activeJobs counts the jobs of a team that hold or are acquiring agents.
func (s *Scheduler) activeJobs(team string) int {
	n := 0
	for _, lj := range s.jobs {
		if lj.job.Team == team && lj.job.State != jobdb.Pending {
			n++
		}
	}
	return n
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
