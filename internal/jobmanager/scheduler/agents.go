package scheduler

import (
	"time"

	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/merger"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
)

func (s *Scheduler) onPresence(p *protocol.Presence) {
	agent, err := s.agents.UpsertPresence(agentdb.Presence{
		Id: p.Agent,
		Capabilities: agentdb.Capabilities{
			Generator: p.Generator,
			Version:   p.Version,
			Beams:     p.Beams,
		},
		Slots: p.Slots,
		Group: p.Group,
		Jobs:  p.Jobs,
	})
	if err != nil {
		s.ctx.Log.WithError(err).Warnf("Ignoring presence of agent %q", p.Agent)
		return
	}
	for _, jobId := range p.Jobs {
		lj, live := s.jobs[jobId]
		switch {
		case live && lj.unrecovered[agent.Id]:
			s.adopt(lj, agent.Id)
		case live && lj.assignments[agent.Id] != nil:
		default:
			// The agent works on something this job manager does not expect from it.
			s.ctx.Log.WithField("jobId", jobId).Infof("Stopping stray job on agent %s", agent.Id)
			s.sendStopTo(agent.Id, jobId)
		}
	}
	s.dispatch()
}

func (s *Scheduler) onHeartbeat(hb *protocol.Heartbeat) {
	if known, err := s.agents.Touch(hb.Agent); err != nil || !known {
		return
	}
	now := s.clock.Now()
	if hb.JobId != "" {
		if lj, live := s.jobs[hb.JobId]; live {
			if a, ok := lj.assignments[hb.Agent]; ok {
				a.lastHeard = now
			}
		}
		return
	}
	for _, lj := range s.jobs {
		if a, ok := lj.assignments[hb.Agent]; ok {
			a.lastHeard = now
		}
	}
}

func (s *Scheduler) onFrame(f *protocol.Frame) {
	s.metrics.FramesReceived.Inc()
	if _, err := s.agents.Touch(f.Agent); err != nil {
		s.ctx.Log.WithError(err).Warnf("Could not refresh agent %s", f.Agent)
	}
	lj, live := s.jobs[f.JobId]
	if !live || lj.finishing {
		s.metrics.FramesDropped.WithLabelValues("unknown-job").Inc()
		return
	}
	a, ok := lj.assignments[f.Agent]
	if !ok {
		s.metrics.FramesDropped.WithLabelValues("unassigned").Inc()
		return
	}
	result, err := s.merger.Offer(&merger.Frame{
		JobId:      f.JobId,
		AgentId:    f.Agent,
		Seq:        f.Seq,
		Events:     f.Events,
		Collection: f.Histograms,
	})
	if err != nil {
		s.metrics.FramesDropped.WithLabelValues("invalid").Inc()
		lj.ctx.Log.WithError(err).Warnf("Dropping frame %d of agent %s", f.Seq, f.Agent)
		return
	}
	if result.Duplicate {
		s.metrics.FramesDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if len(result.Mismatches) > 0 {
		s.metrics.FramesDropped.WithLabelValues("bin-mismatch").Add(float64(len(result.Mismatches)))
	}
	a.lastHeard = s.clock.Now()
	if a.state == dispatching {
		// A frame is as good as an accepted run.
		a.state = generating
		s.maybeRunning(lj)
	}
	switch lj.job.State {
	case jobdb.Running:
		s.checkProgress(lj)
	case jobdb.Draining:
		s.maybeFinish(lj)
	}
}

func (s *Scheduler) onAgentCompleted(c *protocol.AgentJobCompleted) {
	if _, err := s.agents.Touch(c.Agent); err != nil {
		s.ctx.Log.WithError(err).Warnf("Could not refresh agent %s", c.Agent)
	}
	lj, live := s.jobs[c.JobId]
	if !live {
		return
	}
	a, ok := lj.assignments[c.Agent]
	if !ok || a.state == done {
		return
	}
	wasGenerating := a.state == generating || a.state == dispatching
	a.state = done
	a.reported = c.Events
	a.doneAt = s.clock.Now()
	s.release(lj, a, agentdb.Ok)
	lj.ctx.Log.Debugf("Agent %s finished with %d of %d events", c.Agent, c.Events, a.share)

	switch lj.job.State {
	case jobdb.Scheduled:
		s.maybeRunning(lj)
		s.checkProgress(lj)
	case jobdb.Running:
		if missing := a.share - c.Events; wasGenerating && missing > 0 {
			s.redistribute(lj, missing)
		} else {
			s.checkProgress(lj)
		}
	case jobdb.Draining:
		s.maybeFinish(lj)
	}
}

func (s *Scheduler) onAgentFailed(f *protocol.AgentJobFailed) {
	lj, live := s.jobs[f.JobId]
	if !live {
		return
	}
	outcome := agentdb.SoftFail
	if f.Fatal {
		outcome = agentdb.HardFail
	}
	lj.ctx.Log.Warnf("Agent %s reported failure: %s", f.Agent, f.Error)
	s.failAssignment(lj, f.Agent, outcome, f.Error)
}

func (s *Scheduler) onBye(b *protocol.Bye) {
	jobs, err := s.agents.MarkMissing(b.Agent)
	if err != nil {
		s.ctx.Log.WithError(err).Warnf("Could not mark agent %s offline", b.Agent)
		return
	}
	s.ctx.Log.Infof("Agent %s left with %d jobs", b.Agent, len(jobs))
	for _, jobId := range jobs {
		if lj, live := s.jobs[jobId]; live {
			s.failAssignment(lj, b.Agent, agentdb.Returned, "agent left")
		}
	}
}

// checkAgents fails the assignments of agents that stopped presenting themselves and forgets agents that have been
// gone for long.
func (s *Scheduler) checkAgents(now time.Time) {
	silent, err := s.agents.Silent(now.Add(-s.config.PresenceTimeout))
	if err != nil {
		s.ctx.Log.WithError(err).Error("Could not list silent agents")
		return
	}
	for _, id := range silent {
		jobs, err := s.agents.MarkMissing(id)
		if err != nil {
			s.ctx.Log.WithError(err).Warnf("Could not mark agent %s offline", id)
			continue
		}
		s.ctx.Log.Warnf("Agent %s went silent with %d jobs", id, len(jobs))
		for _, jobId := range jobs {
			if lj, live := s.jobs[jobId]; live {
				s.failAssignment(lj, id, agentdb.SoftFail, "agent went silent")
			}
		}
	}
	evicted, err := s.agents.Evict(now.Add(-s.config.EvictAfter))
	if err != nil {
		s.ctx.Log.WithError(err).Error("Could not evict agents")
		return
	}
	for _, id := range evicted {
		s.ctx.Log.Infof("Forgot agent %s", id)
	}
}

// checkJob runs the deadlines of one job.
func (s *Scheduler) checkJob(lj *liveJob, now time.Time) {
	if lj.recovering() {
		if now.Before(lj.recoverBy) {
			return
		}
		s.recoveryExpired(lj)
		if _, live := s.jobs[lj.job.Id]; !live {
			return
		}
	}
	if lj.finishing {
		return
	}
	s.checkHeartbeats(lj, now)
	if _, live := s.jobs[lj.job.Id]; !live {
		return
	}

	switch lj.job.State {
	case jobdb.Scheduled:
		s.retryUnassigned(lj)
		if len(lj.assignments) == 0 && now.Sub(lj.scheduledAt) >= s.config.ScheduleDeadline {
			s.requeue(lj)
		}
	case jobdb.Running:
		s.retryUnassigned(lj)
		if lj.unassigned > 0 && lj.count(dispatching, generating) == 0 &&
			!lj.orphanedAt.IsZero() && now.Sub(lj.orphanedAt) >= s.config.ReplacementGrace {
			lj.outcome = jobdb.Failed
			s.terminate(lj, "no agents available to finish the job")
			return
		}
		// Done assignments settle with time as well as with frames.
		s.checkProgress(lj)
		if lj.job.State == jobdb.Running {
			s.emitPartial(lj)
		}
	case jobdb.Draining:
		s.emitPartial(lj)
		s.maybeFinish(lj)
	}
}

// checkHeartbeats fails assignments whose agent has produced neither a frame nor a heartbeat for the heartbeat
// timeout.
func (s *Scheduler) checkHeartbeats(lj *liveJob, now time.Time) {
	for _, id := range lj.agentIds() {
		a, ok := lj.assignments[id]
		if !ok || a.state != generating {
			continue
		}
		if now.Sub(a.lastHeard) >= s.config.HeartbeatTimeout {
			s.failAssignment(lj, id, agentdb.SoftFail, "heartbeat timeout")
			if _, live := s.jobs[lj.job.Id]; !live {
				return
			}
		}
	}
}

// retryUnassigned offers the events no agent took over to freshly available agents.
func (s *Scheduler) retryUnassigned(lj *liveJob) {
	if lj.unassigned == 0 {
		return
	}
	if s.replace(lj, lj.unassigned) {
		lj.ctx.Log.Infof("Replacement agents took over %d events", lj.unassigned)
		lj.unassigned = 0
	}
}

// requeue puts a scheduled job that no agent accepted back into the queue.
func (s *Scheduler) requeue(lj *liveJob) {
	if err := s.transition(lj, jobdb.Pending, "no agent accepted the job in time"); err != nil {
		return
	}
	lj.unassigned = 0
	lj.job.Agents = nil
	s.merger.Close(lj.job.Id)
	s.queue.Enqueue(lj.job.Team, lj.job.Id)
}
