package presentation

import (
	"time"

	"github.com/mobilipia/build-tools/internal/history"
)

// RunDTO is a recorded run as shown by the history command.
type RunDTO struct {
	CallID     string    `json:"call_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	ErrorType  string    `json:"error_type,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

// FromRun converts a history run to a DTO.
func FromRun(r *history.Run) RunDTO {
	return RunDTO{
		CallID:     r.CallID(),
		Task:       r.Name(),
		Status:     string(r.Status()),
		ErrorType:  r.ErrorType(),
		Message:    r.Message(),
		StartedAt:  r.StartedAt(),
		FinishedAt: r.FinishedAt(),
		DurationMs: r.Duration().Milliseconds(),
	}
}

// FromRuns converts a slice of runs.
func FromRuns(runs []*history.Run) []RunDTO {
	dtos := make([]RunDTO, len(runs))
	for i, r := range runs {
		dtos[i] = FromRun(r)
	}
	return dtos
}
