package history

import "context"

// Repository persists Runs.
type Repository interface {
	// Save inserts run and sets its ID.
	Save(ctx context.Context, run *Run) error

	// FindByCallID returns the run for callID or a *RunNotFoundError.
	FindByCallID(ctx context.Context, callID string) (*Run, error)

	// Recent returns up to limit runs, newest first. limit <= 0 means all.
	Recent(ctx context.Context, limit int) ([]*Run, error)
}
