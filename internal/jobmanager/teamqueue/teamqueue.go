// Package teamqueue holds the jobs waiting for agents: one FIFO per team, served round robin across teams.
package teamqueue

import (
	"sort"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"
)

// Slot is one queued job.
type Slot struct {
	Team       string
	JobId      string
	EnqueuedAt time.Time
}

// Quotas limits how many jobs of a team may be running at once. Zero means unlimited.
type Quotas struct {
	Default  int            `validate:"gte=0"`
	PerTeam  map[string]int `validate:"dive,gte=0"`
	Disabled bool
}

// For returns the quota of team; zero means unlimited.
func (q Quotas) For(team string) int {
	if q.Disabled {
		return 0
	}
	if quota, ok := q.PerTeam[team]; ok {
		return quota
	}
	return q.Default
}

// Allows reports whether a team with active running jobs may start one more.
func (q Quotas) Allows(team string, active int) bool {
	quota := q.For(team)
	return quota == 0 || active < quota
}

// TeamQueue is not safe for concurrent use; it is owned by the scheduler loop.
type TeamQueue struct {
	queues map[string][]Slot
	// Team of each queued job.
	teams map[string]string
	// Teams in the order they were first seen. Round robin follows this order.
	order []string
	// Team served most recently.
	last  string
	clock clock.PassiveClock
}

func New(clk clock.PassiveClock) *TeamQueue {
	return &TeamQueue{
		queues: map[string][]Slot{},
		teams:  map[string]string{},
		clock:  clk,
	}
}

// Enqueue appends jobId to the FIFO of team. A job that is already queued keeps its position.
func (q *TeamQueue) Enqueue(team, jobId string) Slot {
	if current, ok := q.teams[jobId]; ok {
		for _, slot := range q.queues[current] {
			if slot.JobId == jobId {
				return slot
			}
		}
	}
	if _, ok := q.queues[team]; !ok {
		q.order = append(q.order, team)
	}
	slot := Slot{Team: team, JobId: jobId, EnqueuedAt: q.clock.Now()}
	q.queues[team] = append(q.queues[team], slot)
	q.teams[jobId] = team
	return slot
}

// Remove drops jobId from its queue. It returns false if the job was not queued.
func (q *TeamQueue) Remove(jobId string) bool {
	team, ok := q.teams[jobId]
	if !ok {
		return false
	}
	delete(q.teams, jobId)
	slots := q.queues[team]
	for i, slot := range slots {
		if slot.JobId == jobId {
			q.queues[team] = slices.Delete(slots, i, i+1)
			break
		}
	}
	return true
}

func (q *TeamQueue) Contains(jobId string) bool {
	_, ok := q.teams[jobId]
	return ok
}

func (q *TeamQueue) Len() int {
	return len(q.teams)
}

// LenByTeam returns the number of queued jobs per team, omitting teams with an empty queue.
func (q *TeamQueue) LenByTeam() map[string]int {
	counts := map[string]int{}
	for team, slots := range q.queues {
		if len(slots) > 0 {
			counts[team] = len(slots)
		}
	}
	return counts
}

// Teams returns the teams with queued jobs, sorted.
func (q *TeamQueue) Teams() []string {
	teams := maps.Keys(q.LenByTeam())
	sort.Strings(teams)
	return teams
}

// DequeueReady removes and returns the head of the first team, in round-robin order starting after the team served
// last, whose head job passes ready. Only the head of each team is considered so that every team stays FIFO.
func (q *TeamQueue) DequeueReady(ready func(team, jobId string) bool) (Slot, bool) {
	n := len(q.order)
	if n == 0 {
		return Slot{}, false
	}
	start := 0
	if i := slices.Index(q.order, q.last); i >= 0 {
		start = i + 1
	}
	for k := 0; k < n; k++ {
		team := q.order[(start+k)%n]
		slots := q.queues[team]
		if len(slots) == 0 {
			continue
		}
		head := slots[0]
		if !ready(team, head.JobId) {
			continue
		}
		q.queues[team] = slots[1:]
		delete(q.teams, head.JobId)
		q.last = team
		return head, true
	}
	return Slot{}, false
}

// Oldest returns the longest waiting slot, if any.
func (q *TeamQueue) Oldest() (Slot, bool) {
	var oldest Slot
	found := false
	for _, slots := range q.queues {
		if len(slots) > 0 && (!found || slots[0].EnqueuedAt.Before(oldest.EnqueuedAt)) {
			oldest = slots[0]
			found = true
		}
	}
	return oldest, found
}
