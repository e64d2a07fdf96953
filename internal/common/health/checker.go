package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Checker reports nil when the component it guards is healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

// StartupCompleteChecker fails until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}
