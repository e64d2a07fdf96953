package scheduler

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/common/util"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/interpolator"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

func (s *Scheduler) trusted(channel string) bool {
	for _, prefix := range s.config.TrustedChannels {
		if strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// admit checks a submission and builds the job it describes. No state changes.
func (s *Scheduler) admit(req *protocol.JobStart) (*jobdb.Job, lab.Lab, error) {
	if req.DataChannel == "" {
		return nil, lab.Lab{}, &lqerrors.ErrAdmission{Reason: "empty-channel", Message: "dataChannel is required"}
	}
	if !bus.ValidName(req.DataChannel) {
		return nil, lab.Lab{}, &lqerrors.ErrAdmission{Reason: "invalid-channel", Message: req.DataChannel}
	}
	if !s.trusted(req.DataChannel) {
		return nil, lab.Lab{}, &lqerrors.ErrAdmission{Reason: "untrusted-channel", Message: req.DataChannel}
	}
	events := s.config.DefaultEvents
	if req.Events != nil {
		events = *req.Events
	}
	if events < s.config.MinEvents {
		return nil, lab.Lab{}, &lqerrors.ErrAdmission{
			Reason:  "too-few-events",
			Message: fmt.Sprintf("%d events requested, at least %d required", events, s.config.MinEvents),
		}
	}
	t := tune.New(req.Lab, req.Parameters)
	l, err := s.labs.ValidateTune(t)
	if err != nil {
		return nil, lab.Lab{}, err
	}
	team := req.Team
	if team == "" {
		team = s.config.DefaultTeam
	}
	histograms := slices.Clone(req.Histograms)
	if len(histograms) == 0 {
		histograms = slices.Clone(l.Histograms)
	}
	now := s.clock.Now()
	job := &jobdb.Job{
		Id:         util.NewULID(),
		Lab:        l.Id,
		Team:       team,
		Parameters: t.Parameters(),
		Owner:      req.DataChannel,
		Events:     events,
		State:      jobdb.Pending,
		Created:    now,
		Updated:    now,
		Histograms: histograms,
	}
	return job, l, nil
}

func rejectionReason(err error) string {
	var admission *lqerrors.ErrAdmission
	if errors.As(err, &admission) {
		return admission.Reason
	}
	return lqerrors.KindFromError(err).String()
}

// submit admits a job. An exact cache hit completes it on the spot; otherwise it is queued for agents and an
// interpolated preview is requested.
func (s *Scheduler) submit(req *protocol.JobStart) (*protocol.JobStartReply, error) {
	job, l, err := s.admit(req)
	if err != nil {
		s.metrics.JobsRejected.WithLabelValues(rejectionReason(err)).Inc()
		return nil, errors.WithStack(err)
	}
	s.metrics.JobsSubmitted.WithLabelValues(job.Lab).Inc()
	lj := newLiveJob(s.ctx, job, l)
	s.store(job, true)
	s.publish(job, jobdb.Pending, "submitted")
	lj.ctx.Log.Infof("Submitted %s for %d events", lj.tune, job.Events)

	if result, ok := s.cache.Exact(lj.tune, job.Histograms); ok {
		s.metrics.CacheLookups.WithLabelValues("exact").Inc()
		if s.completeFromCache(lj, result) {
			return &protocol.JobStartReply{Reply: lqerrors.OkReply(), JobId: job.Id, Cached: true}, nil
		}
	}

	s.jobs[job.Id] = lj
	s.queue.Enqueue(job.Team, job.Id)
	s.requestPreview(lj)
	s.dispatch()
	return &protocol.JobStartReply{
		Reply:  lqerrors.OkReply(),
		JobId:  job.Id,
		Queued: lj.job.State == jobdb.Pending,
	}, nil
}

// completeFromCache answers a pending job with a stored result, without contacting any agent.
func (s *Scheduler) completeFromCache(lj *liveJob, result interpolator.Result) bool {
	data, err := s.pack(result.Collection)
	if err != nil {
		lj.ctx.Log.WithError(err).Error("Cached result cannot be packed, running the job instead")
		return false
	}
	lj.job.TotalEvents = result.Events
	if err := s.transition(lj, jobdb.Completed, "served from cache"); err != nil {
		return false
	}
	s.sendToOwner(lj, bus.ActionJobCompleted, &protocol.JobCompleted{
		JobId:      lj.job.Id,
		Events:     result.Events,
		Collection: data,
		Cached:     true,
	})
	s.retire(lj)
	return true
}

// requestPreview interpolates a first answer on the worker pool and sends it to the owner if the job has not
// produced anything better by then.
func (s *Scheduler) requestPreview(lj *liveJob) {
	jobId, t, histograms := lj.job.Id, lj.tune, lj.job.Histograms
	err := s.pool.Submit(s.ctx, jobId, "interpolate", func(ctx *lqcontext.Context) error {
		lookupCtx, cancel := lqcontext.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
		result, ok, err := s.cache.Lookup(lookupCtx, t, histograms)
		if err != nil {
			return err
		}
		s.post(func() {
			s.sendPreview(jobId, result, ok)
		})
		return nil
	})
	if err != nil {
		lj.ctx.Log.WithError(err).Warn("Could not request an interpolated preview")
	}
}

func (s *Scheduler) sendPreview(jobId string, result interpolator.Result, ok bool) {
	if !ok {
		s.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return
	}
	s.metrics.CacheLookups.WithLabelValues("interpolated").Inc()
	lj, live := s.jobs[jobId]
	if !live || lj.finishing || lj.lastPartialEvents > 0 {
		return
	}
	data, err := s.pack(result.Collection)
	if err != nil {
		lj.ctx.Log.WithError(err).Warn("Interpolated preview cannot be packed")
		return
	}
	s.sendToOwner(lj, bus.ActionJobData, &protocol.JobData{JobId: jobId, Collection: data, Interpolated: true})
	lj.previewed = true
	lj.ctx.Log.Debugf("Sent preview interpolated from %d samples", result.Samples)
}

// cancel reports whether jobId is known to the loop; known jobs are cancelled, finished ones are left alone.
func (s *Scheduler) cancel(jobId string) bool {
	if lj, ok := s.jobs[jobId]; ok {
		s.cancelJob(lj)
		return true
	}
	_, ok := s.finished.Get(jobId)
	return ok
}

func (s *Scheduler) cancelJob(lj *liveJob) {
	switch lj.job.State {
	case jobdb.Pending:
		s.queue.Remove(lj.job.Id)
		lj.outcome = jobdb.Cancelled
		s.terminate(lj, "cancelled by user")
	case jobdb.Scheduled, jobdb.Running:
		s.drain(lj, jobdb.Cancelled, "cancelled by user")
	default:
		lj.ctx.Log.Debugf("Ignoring cancel of %s job", lj.job.State)
	}
}

// status answers job_status from the loop's own state. ok is false if the loop does not know the job.
func (s *Scheduler) status(jobId string) (*protocol.JobStatusReply, bool) {
	if lj, ok := s.jobs[jobId]; ok {
		total := lj.job.TotalEvents
		if progress, open := s.merger.Progress(jobId); open {
			total = progress.Events
		}
		return &protocol.JobStatusReply{
			Reply:       lqerrors.OkReply(),
			JobId:       jobId,
			State:       lj.job.State.String(),
			Events:      lj.job.Events,
			TotalEvents: total,
		}, true
	}
	if v, ok := s.finished.Get(jobId); ok {
		return statusReply(v.(*jobdb.Job)), true
	}
	return nil, false
}

func statusReply(job *jobdb.Job) *protocol.JobStatusReply {
	return &protocol.JobStatusReply{
		Reply:       lqerrors.OkReply(),
		JobId:       job.Id,
		State:       job.State.String(),
		Events:      job.Events,
		TotalEvents: job.TotalEvents,
	}
}
