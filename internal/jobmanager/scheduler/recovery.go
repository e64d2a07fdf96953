package scheduler

import (
	"time"

	"github.com/pkg/errors"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
)

// recoverJobs reloads the jobs a previous run left unfinished. Pending jobs are queued again. Jobs that had agents
// wait up to the recovery grace for those agents to present them again; the rest fail or go back to the queue.
func (s *Scheduler) recoverJobs(ctx *lqcontext.Context) error {
	jobs, err := s.jobRepository.ListNonTerminal(ctx)
	if err != nil {
		return errors.WithMessage(err, "listing unfinished jobs")
	}
	now := s.clock.Now()
	for _, job := range jobs {
		l, known := s.labs.Get(job.Lab)
		lj := newLiveJob(ctx, job, l)
		s.jobs[job.Id] = lj
		if !known {
			s.abandon(lj, "lab is no longer configured")
			continue
		}
		switch job.State {
		case jobdb.Pending:
			s.queue.Enqueue(job.Team, job.Id)
		case jobdb.Scheduled, jobdb.Running, jobdb.Draining:
			if len(job.Agents) == 0 {
				if job.State == jobdb.Scheduled {
					s.requeue(lj)
				} else {
					s.abandon(lj, "no agents recorded for the job")
				}
				continue
			}
			lj.unrecovered = map[string]bool{}
			for _, id := range job.Agents {
				lj.unrecovered[id] = true
			}
			lj.recoverBy = now.Add(s.config.RecoveryGrace)
			lj.recoveredShare = ceilDiv(job.Events, len(job.Agents))
			lj.scheduledAt = now
			if job.State == jobdb.Draining {
				// Why the job was draining is not stored. Completing keeps whatever the agents still deliver.
				lj.outcome = jobdb.Completed
				lj.reason = "recovered while draining"
				lj.drainingAt = now
			}
		}
		lj.ctx.Log.Infof("Recovered %s job", job.State)
	}
	return nil
}

// abandon ends a recovered job that cannot continue. Pending jobs are cancelled, the others fail. A scheduled job
// has to pass through draining on its way out.
func (s *Scheduler) abandon(lj *liveJob, reason string) {
	lj.outcome = jobdb.Failed
	switch lj.job.State {
	case jobdb.Pending:
		lj.outcome = jobdb.Cancelled
	case jobdb.Scheduled:
		if err := s.transition(lj, jobdb.Draining, reason); err != nil {
			return
		}
	}
	s.terminate(lj, reason)
}

// adopt takes back an agent that presented a job recovered from the store.
func (s *Scheduler) adopt(lj *liveJob, agentId string) {
	if err := s.agents.Adopt(agentId, lj.job.Id); err != nil {
		lj.ctx.Log.WithError(err).Warnf("Could not adopt agent %s", agentId)
		return
	}
	delete(lj.unrecovered, agentId)
	if len(lj.unrecovered) == 0 {
		lj.recoverBy = time.Time{}
	}
	if !s.merger.IsOpen(lj.job.Id) {
		s.merger.Open(lj.job.Id, lj.job.Histograms)
	}
	a := &assignment{
		agentId:   agentId,
		share:     lj.recoveredShare,
		state:     generating,
		lastHeard: s.clock.Now(),
	}
	lj.assignments[agentId] = a
	lj.ctx.Log.Infof("Agent %s is back", agentId)

	switch lj.job.State {
	case jobdb.Scheduled:
		if err := s.transition(lj, jobdb.Running, "agent recovered"); err != nil {
			return
		}
	case jobdb.Draining:
		s.sendStop(lj, agentId)
		a.state = stopping
	}
	if !lj.recovering() {
		s.checkProgress(lj)
		s.maybeFinish(lj)
	}
}

// recoveryExpired stops waiting for agents that did not come back after a restart and hands their shares on.
func (s *Scheduler) recoveryExpired(lj *liveJob) {
	missing := len(lj.unrecovered)
	lj.unrecovered = nil
	lj.recoverBy = time.Time{}
	if len(lj.assignments) == 0 {
		if lj.job.State == jobdb.Scheduled {
			s.requeue(lj)
			return
		}
		lj.outcome = jobdb.Failed
		s.terminate(lj, "agents did not return after restart")
		return
	}
	lj.ctx.Log.Warnf("%d agents did not return after restart", missing)
	lj.job.Agents = lj.agentIds()
	s.store(lj.job, false)
	switch lj.job.State {
	case jobdb.Running:
		s.redistribute(lj, missing*lj.recoveredShare)
	case jobdb.Draining:
		s.maybeFinish(lj)
	}
}
