package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry obtained by adding error information and, if available, a stack trace
// as fields to the provided logrus.Entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the chain of causes and returns the first errors.StackTrace it finds, or nil.
func ExtractStack(err error) errors.StackTrace {
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			return stackErr.StackTrace()
		}
		causeErr, ok := err.(causer)
		if !ok {
			return nil
		}
		err = causeErr.Cause()
	}
	return nil
}

// TopmostWithCause returns the error directly preceding the root cause of a pkg/errors chain.
// Logging it with %+v prints the stack recorded where the error was created.
func TopmostWithCause(err error) error {
	rv := err
	for rv != nil {
		cause, ok := rv.(causer)
		if !ok {
			break
		}
		next := cause.Cause()
		if _, ok := next.(causer); !ok {
			break
		}
		rv = next
	}
	return rv
}
