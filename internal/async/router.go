package async

import (
	"fmt"

	"github.com/mobilipia/build-tools/internal/log"
)

// routeInput drains the input channel until finished or interrupted,
// delivering each Response to the channel of the event it answers.
// Malformed items are logged and skipped; the router must stay up for
// waiters to make progress.
func (c *Call) routeInput() {
	defer close(c.routerDone)

	for item := range c.input {
		switch v := item.(type) {
		case control:
			switch v {
			case finished:
				return
			case interrupted:
				c.markCancelled()
				return
			default:
				log.Warn(log.CatRouter, "unknown control signal", "call", c.id, "signal", int(v))
			}

		case Response:
			if v.EventID == "" {
				log.Warn(log.CatRouter, "skipping response without event id", "call", c.id)
				continue
			}
			ch, created := c.responseChannel(v.EventID)
			if created {
				log.Warn(log.CatRouter, "response arrived before its waiter", "call", c.id, "event", v.EventID)
			}
			select {
			case ch <- v:
			default:
				log.Warn(log.CatRouter, "dropping response, channel full", "call", c.id, "event", v.EventID)
			}

		default:
			log.Warn(log.CatRouter, "skipping malformed input", "call", c.id, "type", fmt.Sprintf("%T", item))
		}
	}
}

// responseChannel finds or creates the channel for eventID. created is true
// when this call made it.
func (c *Call) responseChannel(eventID string) (ch chan Response, created bool) {
	c.responsesMu.Lock()
	defer c.responsesMu.Unlock()

	ch, ok := c.responses[eventID]
	if !ok {
		ch = make(chan Response, responseBuffer)
		c.responses[eventID] = ch
	}
	return ch, !ok
}

// markCancelled sets the cancellation flag, wakes waiters and cancels the
// task context. Safe to call more than once.
func (c *Call) markCancelled() {
	c.cancelled.Store(true)
	c.cancelOnce.Do(func() {
		close(c.cancelCh)
		if c.taskCancel != nil {
			c.taskCancel()
		}
	})
	log.Info(log.CatRouter, "call interrupted", "call", c.id)
}
