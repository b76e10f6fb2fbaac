package history

import (
	"context"
	"time"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/log"
)

const saveTimeout = 5 * time.Second

// Recorder saves every finished call to a Repository. A failed save is
// logged and never changes the outcome of the call.
type Recorder struct {
	repo Repository
}

var _ controller.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) CallStarted(context.Context, *async.Call) {}

func (r *Recorder) CallEvent(*async.Call, async.Event) {}

// CallFinished stores the outcome.
func (r *Recorder) CallFinished(call *async.Call, o controller.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	run := NewRun(o)
	if err := r.repo.Save(ctx, run); err != nil {
		log.ErrorErr(log.CatDB, "Failed to record run", err, "call", call.ID())
		return
	}
	log.Debug(log.CatDB, "Recorded run", "call", call.ID(), "id", run.ID(), "status", string(o.Status))
}
