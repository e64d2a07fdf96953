// Package lqerrors contains the generic errors returned by job manager components. Bus handlers look for the error
// types defined here to decide how a failure is reported back to the requester and at which level it is logged.
//
// If multiple errors occur in some function (e.g., several resources fail to close), that function should return an
// error of type multierror.Error from package github.com/hashicorp/go-multierror that encapsulates those errors.
package lqerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for reporting purposes.
type Kind int

const (
	KindInternal Kind = iota
	KindProtocol
	KindAdmission
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAdmission:
		return "admission"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindInvariant:
		return "invariant"
	default:
		return "internal"
	}
}

// ErrProtocol is returned when a bus message is malformed: unknown action, missing fields or undecodable payload.
type ErrProtocol struct {
	Action  string // The action of the offending message
	Message string
}

func (err *ErrProtocol) Error() string {
	if err.Action == "" {
		return fmt.Sprintf("protocol error: %s", err.Message)
	}
	return fmt.Sprintf("protocol error in action %q: %s", err.Action, err.Message)
}

// ErrAdmission is returned when a submission is refused: unknown lab, untrusted channel or an event budget below the
// configured minimum. No job is created when this error is returned.
type ErrAdmission struct {
	Reason  string // Short machine readable reason, e.g., "untrusted-channel"
	Message string
}

func (err *ErrAdmission) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("submission rejected: %s", err.Reason)
	}
	return fmt.Sprintf("submission rejected: %s; %s", err.Reason, err.Message)
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job" or "agent"
	Value   string // Resource name, e.g., "01h2x..."
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "events"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidTransition signals a core invariant violation: a job was asked to move between two states that are not
// connected in the job state machine.
type ErrInvalidTransition struct {
	JobId string
	From  string
	To    string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %s cannot transition from %s to %s", err.JobId, err.From, err.To)
}

// KindFromError maps error types to a Kind.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func KindFromError(err error) Kind {
	if err == nil {
		return KindInternal
	}
	{
		var e *ErrProtocol
		if errors.As(err, &e) {
			return KindProtocol
		}
	}
	{
		var e *ErrAdmission
		if errors.As(err, &e) {
			return KindAdmission
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return KindInvalidArgument
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return KindNotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return KindAlreadyExists
		}
	}
	{
		var e *ErrInvalidTransition
		if errors.As(err, &e) {
			return KindInvariant
		}
	}
	return KindInternal
}

// IsClientError returns true if err was caused by the requester rather than by the job manager. Client errors are
// logged at warn, everything else at error.
func IsClientError(err error) bool {
	switch KindFromError(err) {
	case KindProtocol, KindAdmission, KindInvalidArgument, KindNotFound, KindAlreadyExists:
		return true
	default:
		return false
	}
}

const (
	ResultOk    = "ok"
	ResultError = "error"
)

// Reply is the minimal body of every bus reply: {"result": "ok"} or {"result": "error", "error": "..."}.
type Reply struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func OkReply() Reply {
	return Reply{Result: ResultOk}
}

// ReplyFromError converts err into an error reply. Internal errors are not exposed verbatim to the requester.
func ReplyFromError(err error) Reply {
	if err == nil {
		return OkReply()
	}
	if KindFromError(err) == KindInternal {
		return Reply{Result: ResultError, Error: "internal error"}
	}
	return Reply{Result: ResultError, Error: err.Error()}
}
