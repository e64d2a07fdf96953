// Package bus is the named-channel message transport between the job manager, its agents and front-end sessions.
//
// A Bus is one connection to the transport. Channels obtained from it share the connection and a single correlation
// mux: every request published through any channel of a bus carries a correlation id and the address of the bus'
// reply inbox, so replies for all channels arrive on one subscription and are matched to their pending request by id.
package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
)

var (
	// ErrClosed is returned by operations on a closed channel or bus, and by requests pending when it was closed.
	ErrClosed = errors.New("bus channel closed")
	// ErrTimeout is returned when no reply arrives within the request timeout.
	ErrTimeout = errors.New("bus request timed out")
)

// Message is the envelope of everything carried by the bus.
type Message struct {
	Channel       string          `json:"channel"`
	Action        string          `json:"action"`
	CorrelationId string          `json:"cid,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. Failures are protocol errors.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return &lqerrors.ErrProtocol{Action: m.Action, Message: "empty payload"}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &lqerrors.ErrProtocol{Action: m.Action, Message: err.Error()}
	}
	return nil
}

// Err interprets the message as a reply and returns the error it reports, if any.
func (m *Message) Err() error {
	var reply lqerrors.Reply
	if err := m.Decode(&reply); err != nil {
		return err
	}
	if reply.Result == lqerrors.ResultError {
		return errors.Errorf("%s on %s failed: %s", m.Action, m.Channel, reply.Error)
	}
	return nil
}

// Handler processes one message received on a subscription. If the message is a request, the returned value is sent
// back as the reply payload; a nil value replies {"result": "ok"} and an error replies {"result": "error"}.
type Handler func(ctx *lqcontext.Context, msg *Message) (any, error)

// Subscription is the cancellation handle of a Subscribe call.
type Subscription interface {
	Unsubscribe() error
}

// Channel is a named endpoint on the bus.
type Channel interface {
	Name() string
	// Send publishes a fire-and-forget message.
	Send(ctx *lqcontext.Context, action string, payload any) error
	// Request publishes a message and blocks until its reply arrives, the timeout expires, ctx is done or the channel
	// is closed.
	Request(ctx *lqcontext.Context, action string, payload any, timeout time.Duration) (*Message, error)
	// Go is the non-blocking form of Request: callback is invoked exactly once, from a bus goroutine, with the reply or
	// the error. Callbacks must not block.
	Go(action string, payload any, timeout time.Duration, callback func(*Message, error))
	// Subscribe attaches handler to messages with the given action. Messages of one subscription are handled
	// sequentially, in the order the transport delivers them.
	Subscribe(action string, handler Handler) (Subscription, error)
	// Close removes every subscription made through this channel and fails its pending requests with ErrClosed.
	Close() error
}

// Bus is one connection to the message transport.
type Bus interface {
	// Channel returns a handle on the named channel. Handles are cheap; each keeps track of its own subscriptions and
	// pending requests.
	Channel(name string) Channel
	// Check reports whether the underlying connection is usable.
	Check() error
	Close() error
}

// Well known channels and actions.
const (
	JobsChannel        = "jobs"
	AgentsChannel      = "agents"
	InterpolateChannel = "interpolate"

	ActionJobStart  = "job_start"
	ActionJobCancel = "job_cancel"
	ActionJobStatus = "job_status"

	ActionJobData      = "job_data"
	ActionJobCompleted = "job_completed"
	ActionJobFailed    = "job_failed"
	ActionJobCancelled = "job_cancelled"

	ActionRun    = "run"
	ActionStop   = "stop"
	ActionReload = "reload"

	ActionPresence  = "presence"
	ActionHeartbeat = "heartbeat"
	ActionBye       = "bye"

	ActionInterpolate = "interpolate"
	ActionResults     = "results"
)

// JobResponsesChannel is the push channel a submitter listens on.
// ValidName reports whether name can be used inside a channel name. Characters that some transports fold into
// others, such as NATS subject tokens, are refused so that two names never share a channel.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".*> \t\r\n")
}

func JobResponsesChannel(owner string) string {
	return "job-responses-" + owner
}

// AgentChannel is the request channel of a single agent.
func AgentChannel(agentId string) string {
	return "agent-" + agentId
}
