// Package history records the outcome of every forge run.
package history

import (
	"fmt"
	"time"

	"github.com/mobilipia/build-tools/internal/controller"
)

// Run is one finished call as stored in the history.
type Run struct {
	id         int64
	callID     string
	name       string
	status     controller.Status
	errorType  string
	message    string
	startedAt  time.Time
	finishedAt time.Time
}

// NewRun builds an unsaved Run from a controller outcome.
func NewRun(o controller.Outcome) *Run {
	r := &Run{
		callID:     o.CallID,
		name:       o.Name,
		status:     o.Status,
		startedAt:  o.StartedAt,
		finishedAt: o.FinishedAt,
	}
	if o.Error != nil {
		r.errorType = o.Error.Type
		r.message = o.Error.Message
	}
	return r
}

// ReconstituteRun rebuilds a Run loaded from storage.
func ReconstituteRun(id int64, callID, name string, status controller.Status, errorType, message string, startedAt, finishedAt time.Time) *Run {
	return &Run{
		id:         id,
		callID:     callID,
		name:       name,
		status:     status,
		errorType:  errorType,
		message:    message,
		startedAt:  startedAt,
		finishedAt: finishedAt,
	}
}

func (r *Run) ID() int64                 { return r.id }
func (r *Run) CallID() string            { return r.callID }
func (r *Run) Name() string              { return r.name }
func (r *Run) Status() controller.Status { return r.status }
func (r *Run) ErrorType() string         { return r.errorType }
func (r *Run) Message() string           { return r.message }
func (r *Run) StartedAt() time.Time      { return r.startedAt }
func (r *Run) FinishedAt() time.Time     { return r.finishedAt }

// SetID is called by the repository after insert.
func (r *Run) SetID(id int64) { r.id = id }

// Duration is the wall time of the run.
func (r *Run) Duration() time.Duration {
	if r.finishedAt.Before(r.startedAt) {
		return 0
	}
	return r.finishedAt.Sub(r.startedAt)
}

// RunNotFoundError is returned when no run has the requested call id.
type RunNotFoundError struct {
	CallID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("no run recorded for call %s", e.CallID)
}

// Expected marks a missing run as a user error.
func (e *RunNotFoundError) Expected() bool { return true }
