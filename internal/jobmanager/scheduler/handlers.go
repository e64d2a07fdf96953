package scheduler

import (
	"github.com/pkg/errors"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
)

// subscribe attaches the scheduler to the jobs and agents channels. Request handlers wait for the loop; agent
// notifications are posted and handled in arrival order per action.
func (s *Scheduler) subscribe() error {
	subscriptions := []struct {
		channel bus.Channel
		action  string
		handler bus.Handler
	}{
		{s.jobsChannel, bus.ActionJobStart, s.handleJobStart},
		{s.jobsChannel, bus.ActionJobCancel, s.handleJobCancel},
		{s.jobsChannel, bus.ActionJobStatus, s.handleJobStatus},
		{s.agentsChannel, bus.ActionPresence, s.handlePresence},
		{s.agentsChannel, bus.ActionHeartbeat, s.handleHeartbeat},
		{s.agentsChannel, bus.ActionJobData, s.handleFrame},
		{s.agentsChannel, bus.ActionJobCompleted, s.handleAgentCompleted},
		{s.agentsChannel, bus.ActionJobFailed, s.handleAgentFailed},
		{s.agentsChannel, bus.ActionBye, s.handleBye},
	}
	for _, sub := range subscriptions {
		if _, err := sub.channel.Subscribe(sub.action, sub.handler); err != nil {
			return errors.WithMessagef(err, "subscribing to %s on %s", sub.action, sub.channel.Name())
		}
	}
	return nil
}

func (s *Scheduler) handleJobStart(ctx *lqcontext.Context, msg *bus.Message) (any, error) {
	var req protocol.JobStart
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	callCtx, cancel := lqcontext.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	reply, err := s.call(callCtx, func() (any, error) {
		return s.submit(&req)
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *Scheduler) handleJobCancel(ctx *lqcontext.Context, msg *bus.Message) (any, error) {
	var req protocol.JobRef
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.JobId == "" {
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: "missing jid"}
	}
	callCtx, cancel := lqcontext.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	known, err := s.call(callCtx, func() (any, error) {
		return s.cancel(req.JobId), nil
	})
	if err != nil {
		return nil, err
	}
	if known.(bool) {
		return nil, nil
	}
	// Jobs that finished long ago are only in the store. Cancelling them is a no-op.
	if _, err := s.jobRepository.Get(callCtx, req.JobId); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Scheduler) handleJobStatus(ctx *lqcontext.Context, msg *bus.Message) (any, error) {
	var req protocol.JobRef
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.JobId == "" {
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: "missing jid"}
	}
	callCtx, cancel := lqcontext.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	reply, err := s.call(callCtx, func() (any, error) {
		if reply, ok := s.status(req.JobId); ok {
			return reply, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return reply, nil
	}
	job, err := s.jobRepository.Get(callCtx, req.JobId)
	if err != nil {
		return nil, err
	}
	return statusReply(job), nil
}

func (s *Scheduler) handlePresence(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var p protocol.Presence
	if err := msg.Decode(&p); err != nil {
		return nil, err
	}
	if p.Agent == "" {
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: "missing agent"}
	}
	s.post(func() { s.onPresence(&p) })
	return nil, nil
}

func (s *Scheduler) handleHeartbeat(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var hb protocol.Heartbeat
	if err := msg.Decode(&hb); err != nil {
		return nil, err
	}
	s.post(func() { s.onHeartbeat(&hb) })
	return nil, nil
}

func (s *Scheduler) handleFrame(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var f protocol.Frame
	if err := msg.Decode(&f); err != nil {
		s.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return nil, err
	}
	if f.Agent == "" || f.JobId == "" {
		s.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return nil, &lqerrors.ErrProtocol{Action: msg.Action, Message: "missing agent or jid"}
	}
	s.post(func() { s.onFrame(&f) })
	return nil, nil
}

func (s *Scheduler) handleAgentCompleted(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var c protocol.AgentJobCompleted
	if err := msg.Decode(&c); err != nil {
		return nil, err
	}
	s.post(func() { s.onAgentCompleted(&c) })
	return nil, nil
}

func (s *Scheduler) handleAgentFailed(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var f protocol.AgentJobFailed
	if err := msg.Decode(&f); err != nil {
		return nil, err
	}
	s.post(func() { s.onAgentFailed(&f) })
	return nil, nil
}

func (s *Scheduler) handleBye(_ *lqcontext.Context, msg *bus.Message) (any, error) {
	var b protocol.Bye
	if err := msg.Decode(&b); err != nil {
		return nil, err
	}
	s.post(func() { s.onBye(&b) })
	return nil, nil
}
