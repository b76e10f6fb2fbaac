package sqlite

import (
	"time"

	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/history"
)

// RunModel is the database row for the runs table. Times are Unix
// milliseconds.
type RunModel struct {
	ID         int64
	CallID     string
	Name       string
	Status     string
	ErrorType  *string // nullable
	Message    *string // nullable
	StartedAt  int64
	FinishedAt int64
}

func toRunModel(r *history.Run) *RunModel {
	m := &RunModel{
		ID:         r.ID(),
		CallID:     r.CallID(),
		Name:       r.Name(),
		Status:     string(r.Status()),
		StartedAt:  r.StartedAt().UnixMilli(),
		FinishedAt: r.FinishedAt().UnixMilli(),
	}
	if r.ErrorType() != "" {
		errorType := r.ErrorType()
		m.ErrorType = &errorType
	}
	if r.Message() != "" {
		message := r.Message()
		m.Message = &message
	}
	return m
}

func (m *RunModel) toDomain() *history.Run {
	var errorType, message string
	if m.ErrorType != nil {
		errorType = *m.ErrorType
	}
	if m.Message != nil {
		message = *m.Message
	}
	return history.ReconstituteRun(
		m.ID,
		m.CallID,
		m.Name,
		controller.Status(m.Status),
		errorType,
		message,
		time.UnixMilli(m.StartedAt),
		time.UnixMilli(m.FinishedAt),
	)
}
