package scheduler

import (
	"time"

	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
)

// dispatch schedules queued jobs, round robin across teams, for as long as the head of some team's queue is within
// its team quota and has feasible agents.
func (s *Scheduler) dispatch() {
	for {
		slot, ok := s.queue.DequeueReady(func(team, jobId string) bool {
			lj, live := s.jobs[jobId]
			if !live {
				return true
			}
			if !s.config.Quotas.Allows(team, s.activeJobs(team)) {
				return false
			}
			feasible, err := s.agents.Feasible(lj.lab.Requirements())
			return err == nil && feasible > 0
		})
		if !ok {
			return
		}
		lj, live := s.jobs[slot.JobId]
		if !live || lj.job.State != jobdb.Pending {
			continue
		}
		s.schedule(lj)
	}
}

// schedule splits a pending job across up to maxAgentsPerJob agents.
func (s *Scheduler) schedule(lj *liveJob) {
	ids, err := s.agents.Acquire(lj.lab.Requirements(), lj.job.Id, s.config.MaxAgentsPerJob)
	if err != nil || len(ids) == 0 {
		if err != nil {
			lj.ctx.Log.WithError(err).Error("Could not acquire agents")
		}
		s.queue.Enqueue(lj.job.Team, lj.job.Id)
		return
	}
	lj.job.Agents = ids
	if err := s.transition(lj, jobdb.Scheduled, "dispatched"); err != nil {
		for _, id := range ids {
			if _, err := s.agents.Release(id, lj.job.Id, agentdb.Returned); err != nil {
				lj.ctx.Log.WithError(err).Warnf("Could not release agent %s", id)
			}
		}
		return
	}
	lj.scheduledAt = s.clock.Now()
	lj.rounds = 0
	lj.shortfall = 0
	lj.unassigned = 0
	if !s.merger.IsOpen(lj.job.Id) {
		s.merger.Open(lj.job.Id, lj.job.Histograms)
	}
	share := ceilDiv(lj.job.Events, len(ids))
	for _, id := range ids {
		s.sendRun(lj, id, share)
	}
}

// sendRun asks an acquired agent to generate share events of the job.
func (s *Scheduler) sendRun(lj *liveJob, agentId string, share int) {
	progress, _ := s.merger.Progress(lj.job.Id)
	lj.assignments[agentId] = &assignment{
		agentId:   agentId,
		share:     share,
		state:     dispatching,
		lastHeard: s.clock.Now(),
		baseline:  progress.PerAgent[agentId],
	}
	lj.job.Agents = lj.agentIds()
	lj.orphanedAt = time.Time{}
	jobId := lj.job.Id
	run := &protocol.Run{
		JobId:      jobId,
		Lab:        lj.job.Lab,
		Parameters: lj.tune.Parameters(),
		Events:     share,
		Histograms: lj.job.Histograms,
	}
	lj.ctx.Log.Debugf("Sending run of %d events to agent %s", share, agentId)
	s.bus.Channel(bus.AgentChannel(agentId)).Go(bus.ActionRun, run, s.config.RequestTimeout, func(msg *bus.Message, err error) {
		if err == nil {
			err = msg.Err()
		}
		s.post(func() {
			s.onRunReply(jobId, agentId, err)
		})
	})
}

func (s *Scheduler) onRunReply(jobId, agentId string, err error) {
	lj, live := s.jobs[jobId]
	if !live {
		if err == nil {
			s.ctx.Log.WithField("jobId", jobId).Debugf("Agent %s accepted a job that already ended", agentId)
			s.sendStopTo(agentId, jobId)
		}
		return
	}
	a, ok := lj.assignments[agentId]
	if !ok {
		return
	}
	if err != nil {
		lj.ctx.Log.WithError(err).Warnf("Agent %s did not take the job", agentId)
		s.failAssignment(lj, agentId, agentdb.SoftFail, "run rejected")
		return
	}
	if a.state == dispatching {
		a.state = generating
		a.lastHeard = s.clock.Now()
	}
	s.maybeRunning(lj)
}

// maybeRunning moves a scheduled job to running once no run request is outstanding and at least one agent took it.
func (s *Scheduler) maybeRunning(lj *liveJob) {
	if lj.job.State != jobdb.Scheduled || lj.count(dispatching) > 0 || lj.count(generating, done) == 0 {
		return
	}
	if err := s.transition(lj, jobdb.Running, "agents accepted"); err != nil {
		return
	}
	if lj.unassigned > 0 {
		events := lj.unassigned
		lj.unassigned = 0
		s.redistribute(lj, events)
	}
}

// failAssignment removes an agent from a job after a failure and hands its unfinished share on.
func (s *Scheduler) failAssignment(lj *liveJob, agentId string, outcome agentdb.Outcome, reason string) {
	a, ok := lj.assignments[agentId]
	if !ok {
		return
	}
	progress, _ := s.merger.Progress(lj.job.Id)
	unfinished := a.share - a.received(progress)
	if a.state == done || unfinished < 0 {
		unfinished = 0
	}
	delete(lj.assignments, agentId)
	s.release(lj, a, outcome)
	lj.ctx.Log.Warnf("Agent %s failed (%s) with %d events unfinished", agentId, reason, unfinished)

	switch lj.job.State {
	case jobdb.Scheduled:
		if !s.replace(lj, unfinished) {
			lj.unassigned += unfinished
		}
		s.maybeRunning(lj)
	case jobdb.Running:
		s.redistribute(lj, unfinished)
	case jobdb.Draining:
		s.maybeFinish(lj)
	}
}

// replace acquires fresh agents for events and sends them a run. Returns false if no agent is available.
func (s *Scheduler) replace(lj *liveJob, events int) bool {
	if events <= 0 {
		return true
	}
	k := s.config.MaxAgentsPerJob - len(lj.assignments)
	if k <= 0 {
		k = 1
	}
	ids, err := s.agents.Acquire(lj.lab.Requirements(), lj.job.Id, k)
	if err != nil {
		lj.ctx.Log.WithError(err).Error("Could not acquire replacement agents")
		return false
	}
	if len(ids) == 0 {
		return false
	}
	share := ceilDiv(events, len(ids))
	for _, id := range ids {
		s.sendRun(lj, id, share)
	}
	s.store(lj.job, false)
	return true
}

// redistribute hands the unfinished share of a failed agent to the agents still generating, or to replacements if
// none are left. After the last allowed round the shortfall is accepted.
func (s *Scheduler) redistribute(lj *liveJob, events int) {
	if events > 0 {
		if lj.rounds >= s.config.MaxRedistributionRounds {
			lj.shortfall += events
			lj.ctx.Log.Warnf("Accepting a shortfall of %d events after %d redistribution rounds", events, lj.rounds)
		} else {
			lj.rounds++
			s.metrics.Redistributions.Inc()
			var survivors []*assignment
			for _, id := range lj.agentIds() {
				if a := lj.assignments[id]; a.state == generating {
					survivors = append(survivors, a)
				}
			}
			if len(survivors) > 0 {
				extra := ceilDiv(events, len(survivors))
				for _, a := range survivors {
					s.sendReload(lj, a, extra)
				}
			} else if !s.replace(lj, events) {
				lj.unassigned += events
				if lj.count(dispatching, generating) == 0 {
					lj.orphanedAt = s.clock.Now()
				}
			}
		}
	}
	s.checkProgress(lj)
}

// sendReload asks an agent that is still generating for extra events.
func (s *Scheduler) sendReload(lj *liveJob, a *assignment, extra int) {
	a.share += extra
	jobId, agentId := lj.job.Id, a.agentId
	reload := &protocol.Reload{JobId: jobId, Events: extra}
	lj.ctx.Log.Debugf("Sending reload of %d events to agent %s", extra, agentId)
	s.bus.Channel(bus.AgentChannel(agentId)).Go(bus.ActionReload, reload, s.config.RequestTimeout, func(msg *bus.Message, err error) {
		if err == nil {
			err = msg.Err()
		}
		if err == nil {
			return
		}
		s.post(func() {
			if lj, live := s.jobs[jobId]; live {
				lj.ctx.Log.WithError(err).Warnf("Agent %s did not take extra events", agentId)
				s.failAssignment(lj, agentId, agentdb.SoftFail, "reload rejected")
			}
		})
	})
}

func (s *Scheduler) sendStop(lj *liveJob, agentId string) {
	s.sendStopTo(agentId, lj.job.Id)
}

// sendStopTo tells an agent to stop working on a job. Failures are only logged: a drain ends after its grace period
// regardless.
func (s *Scheduler) sendStopTo(agentId, jobId string) {
	s.bus.Channel(bus.AgentChannel(agentId)).Go(bus.ActionStop, &protocol.JobRef{JobId: jobId}, s.config.RequestTimeout, func(msg *bus.Message, err error) {
		if err == nil {
			err = msg.Err()
		}
		if err != nil {
			s.ctx.Log.WithError(err).WithField("jobId", jobId).Debugf("Agent %s did not acknowledge stop", agentId)
		}
	})
}

// checkProgress starts draining a running job that has reached its target, or that has nothing left to hand out and
// no agent still generating.
func (s *Scheduler) checkProgress(lj *liveJob) {
	if lj.job.State != jobdb.Running || lj.recovering() {
		return
	}
	progress, _ := s.merger.Progress(lj.job.Id)
	if progress.Events >= lj.target() {
		s.drain(lj, jobdb.Completed, "event budget reached")
		return
	}
	if lj.unassigned > 0 {
		return
	}
	now := s.clock.Now()
	for _, a := range lj.assignments {
		if !a.settled(progress, now, s.config.DrainGrace) {
			return
		}
	}
	s.drain(lj, jobdb.Completed, "all agents finished")
}
