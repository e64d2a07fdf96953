package jobdb

import (
	"context"
)

// JobRepository stores jobs. Implementations are safe for concurrent use; readers observe a job either before or
// after a write, never partially written.
type JobRepository interface {
	// Create stores a new job. Returns ErrAlreadyExists if a job with the same id exists.
	Create(ctx context.Context, job *Job) error
	// Update stores job, creating it if needed. Returns ErrInvalidTransition if the stored state may not move to
	// job.State.
	Update(ctx context.Context, job *Job) error
	// Get returns the job with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// ListNonTerminal returns every job that has not reached completed, cancelled or failed, oldest first.
	ListNonTerminal(ctx context.Context) ([]*Job, error)
	// SetResults records where the results of a finished job were written, or a warning when they could not be.
	// The state is left alone.
	SetResults(ctx context.Context, id string, path string, warning string) error
	// Check reports whether the backend is reachable.
	Check() error
	Close() error
}
