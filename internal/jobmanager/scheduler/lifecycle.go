package scheduler

import (
	"github.com/pkg/errors"

	"github.com/liveq/jobmanager/internal/common/logging"
	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/jobevents"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
)

// transition moves the job to another state, persists it and publishes the change. Moves the job state machine
// does not allow are refused.
func (s *Scheduler) transition(lj *liveJob, to jobdb.JobState, message string) error {
	from := lj.job.State
	if !jobdb.ValidTransition(from, to) {
		err := errors.WithStack(&lqerrors.ErrInvalidTransition{JobId: lj.job.Id, From: from.String(), To: to.String()})
		logging.WithStacktrace(lj.ctx.Log, err).Error("Refusing job state change")
		return err
	}
	if from == to {
		return nil
	}
	lj.job.State = to
	lj.job.Updated = s.clock.Now()
	s.store(lj.job, false)
	s.publish(lj.job, from, message)
	lj.ctx.Log.Infof("Job moved from %s to %s: %s", from, to, message)
	return nil
}

// store writes a snapshot of job on the worker pool. Writes of one job run in submission order.
func (s *Scheduler) store(job *jobdb.Job, create bool) {
	snapshot := job.DeepCopy()
	name := "update-job"
	if create {
		name = "create-job"
	}
	err := s.pool.Submit(s.ctx, job.Id, name, func(ctx *lqcontext.Context) error {
		if create {
			return s.jobRepository.Create(ctx, snapshot)
		}
		return s.jobRepository.Update(ctx, snapshot)
	})
	if err != nil {
		s.ctx.Log.WithError(err).WithField("jobId", job.Id).Errorf("Could not queue %s", name)
	}
}

func (s *Scheduler) publish(job *jobdb.Job, previous jobdb.JobState, message string) {
	s.publisher.Publish(jobevents.NewEvent(job, previous, s.clock.Now(), message))
}

func (s *Scheduler) pack(c *histogram.Collection) ([]byte, error) {
	return histogram.Pack(c, s.config.Packing)
}

func (s *Scheduler) sendToOwner(lj *liveJob, action string, payload any) {
	channel := s.bus.Channel(bus.JobResponsesChannel(lj.job.Owner))
	if err := channel.Send(lj.ctx, action, payload); err != nil {
		lj.ctx.Log.WithError(err).Warnf("Could not send %s to %s", action, channel.Name())
	}
}

func (s *Scheduler) release(lj *liveJob, a *assignment, outcome agentdb.Outcome) {
	if a.released {
		return
	}
	a.released = true
	if _, err := s.agents.Release(a.agentId, lj.job.Id, outcome); err != nil {
		lj.ctx.Log.WithError(err).Warnf("Could not release agent %s", a.agentId)
	}
	s.metrics.AgentReleases.WithLabelValues(outcome.String()).Inc()
	s.post(s.dispatch)
}

// drain stops every agent of the job. The job reaches outcome once all agents finished or the drain grace expired.
func (s *Scheduler) drain(lj *liveJob, outcome jobdb.JobState, reason string) {
	if lj.job.State == jobdb.Draining {
		return
	}
	if err := s.transition(lj, jobdb.Draining, reason); err != nil {
		return
	}
	lj.outcome = outcome
	lj.reason = reason
	lj.drainingAt = s.clock.Now()
	lj.unassigned = 0
	for _, id := range lj.agentIds() {
		a := lj.assignments[id]
		if a.state == dispatching || a.state == generating {
			s.sendStop(lj, a.agentId)
			a.state = stopping
		}
	}
	s.maybeFinish(lj)
}

// maybeFinish finishes a draining job once nothing more is expected from its agents.
func (s *Scheduler) maybeFinish(lj *liveJob) {
	if lj.job.State != jobdb.Draining || lj.finishing || lj.recovering() {
		return
	}
	now := s.clock.Now()
	if now.Sub(lj.drainingAt) < s.config.DrainGrace {
		progress, _ := s.merger.Progress(lj.job.Id)
		for _, a := range lj.assignments {
			if !a.settled(progress, now, s.config.DrainGrace) {
				return
			}
		}
	}
	s.finish(lj)
}

// finish sends the terminal message of a drained job. Completed results are persisted after the owner has them.
func (s *Scheduler) finish(lj *liveJob) {
	if lj.outcome != jobdb.Completed {
		s.terminate(lj, lj.reason)
		return
	}
	jobId := lj.job.Id
	if mismatches, err := s.merger.Flush(jobId); err == nil && len(mismatches) > 0 {
		s.metrics.FramesDropped.WithLabelValues("bin-mismatch").Add(float64(len(mismatches)))
	}
	collection, events, err := s.merger.Snapshot(jobId)
	if err != nil || events == 0 {
		lj.outcome = jobdb.Failed
		s.terminate(lj, "no events were generated")
		return
	}
	lj.finishing = true
	lj.job.TotalEvents = events
	if stored, err := s.cache.Append(lj.tune, collection, events); err != nil {
		lj.ctx.Log.WithError(err).Warn("Results not added to the interpolation cache")
	} else if stored {
		lj.ctx.Log.Debug("Results added to the interpolation cache")
	}
	data, err := s.pack(collection)
	if err != nil {
		logging.WithStacktrace(lj.ctx.Log, err).Error("Final results cannot be packed")
		lj.outcome = jobdb.Failed
		s.terminate(lj, "final results cannot be packed")
		return
	}
	message := "completed"
	if lj.shortfall > 0 {
		message = "completed with a shortfall"
	}
	if err := s.transition(lj, jobdb.Completed, message); err != nil {
		lj.outcome = jobdb.Failed
		s.terminate(lj, err.Error())
		return
	}
	s.sendToOwner(lj, bus.ActionJobCompleted, &protocol.JobCompleted{
		JobId:      jobId,
		Events:     events,
		Collection: data,
	})
	s.retire(lj)
	s.persist(lj, collection)
}

// persist writes the final results of a completed job on the worker pool. It is queued behind the job's terminal
// store write, so the record it amends is already completed.
func (s *Scheduler) persist(lj *liveJob, collection *histogram.Collection) {
	jobId := lj.job.Id
	err := s.pool.Submit(s.ctx, jobId, "write-results", func(ctx *lqcontext.Context) error {
		path, err := s.results.Write(ctx, jobId, collection)
		if err != nil {
			if werr := s.jobRepository.SetResults(ctx, jobId, "", resultsWarning); werr != nil {
				logging.WithStacktrace(ctx.Log, werr).Error("Results warning not stored")
			}
		} else {
			err = s.jobRepository.SetResults(ctx, jobId, path, "")
		}
		s.post(func() {
			s.persisted(lj, path, err)
		})
		return err
	})
	if err != nil {
		s.persisted(lj, "", err)
	}
}

const resultsWarning = "results could not be saved"

// persisted records the outcome of a result write on the finished job.
func (s *Scheduler) persisted(lj *liveJob, path string, err error) {
	if err != nil {
		s.metrics.ResultWrites.WithLabelValues("failed").Inc()
		lj.job.Warning = resultsWarning
		logging.WithStacktrace(lj.ctx.Log, err).Error("Completing job without persisted results")
	} else {
		s.metrics.ResultWrites.WithLabelValues("ok").Inc()
		lj.job.ResultsPath = path
	}
	if _, ok := s.finished.Get(lj.job.Id); ok {
		s.finished.SetDefault(lj.job.Id, lj.job.DeepCopy())
	}
}

// terminate moves the job to its cancelled or failed outcome and tells the owner.
func (s *Scheduler) terminate(lj *liveJob, message string) {
	if lj.outcome == jobdb.Failed {
		lj.job.Error = message
	}
	if progress, ok := s.merger.Progress(lj.job.Id); ok {
		lj.job.TotalEvents = progress.Events
	}
	if err := s.transition(lj, lj.outcome, message); err != nil && lj.outcome != jobdb.Failed {
		// Tell the owner something terminal even if the store refused the state.
		lj.outcome = jobdb.Failed
	}
	switch lj.outcome {
	case jobdb.Cancelled:
		s.sendToOwner(lj, bus.ActionJobCancelled, &protocol.JobRef{JobId: lj.job.Id})
	default:
		s.sendToOwner(lj, bus.ActionJobFailed, &protocol.JobFailed{JobId: lj.job.Id, Error: message})
	}
	s.retire(lj)
}

// retire forgets a job that reached its terminal state.
func (s *Scheduler) retire(lj *liveJob) {
	jobId := lj.job.Id
	for _, a := range lj.assignments {
		s.release(lj, a, agentdb.Returned)
	}
	s.merger.Close(jobId)
	s.queue.Remove(jobId)
	delete(s.jobs, jobId)
	s.finished.SetDefault(jobId, lj.job.DeepCopy())
	s.metrics.JobsFinished.WithLabelValues(lj.job.State.String()).Inc()
	lj.ctx.Log.Infof("Job %s with %d of %d events", lj.job.State, lj.job.TotalEvents, lj.job.Events)
}

// emitPartial sends the merged results so far to the owner, at most once per partial interval and only when new
// events arrived.
func (s *Scheduler) emitPartial(lj *liveJob) {
	now := s.clock.Now()
	if lj.finishing || now.Sub(lj.lastPartial) < s.config.PartialInterval {
		return
	}
	jobId := lj.job.Id
	progress, ok := s.merger.Progress(jobId)
	if !ok || progress.Events <= lj.lastPartialEvents {
		return
	}
	if mismatches, err := s.merger.Flush(jobId); err == nil && len(mismatches) > 0 {
		s.metrics.FramesDropped.WithLabelValues("bin-mismatch").Add(float64(len(mismatches)))
	}
	collection, events, err := s.merger.Snapshot(jobId)
	if err != nil || events == 0 {
		return
	}
	data, err := s.pack(collection)
	if err != nil {
		lj.ctx.Log.WithError(err).Warn("Partial results cannot be packed")
		return
	}
	s.sendToOwner(lj, bus.ActionJobData, &protocol.JobData{JobId: jobId, Events: events, Collection: data})
	lj.lastPartial = now
	lj.lastPartialEvents = events
}
