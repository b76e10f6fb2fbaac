package forge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mobilipia/build-tools/internal/log"
)

// linearBackOff waits step, 2*step, 3*step... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// tryAFewTimes runs f up to attempts times with a growing pause, for file
// moves that fail briefly while another process holds the files.
func tryAFewTimes(ctx context.Context, attempts uint, step time.Duration, f func() error) error {
	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := f()
		if err != nil {
			log.Ctx(ctx).Debug(log.CatTask, "Attempt failed", "attempt", tries, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(&linearBackOff{step: step}), backoff.WithMaxTries(attempts))
	return err
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
