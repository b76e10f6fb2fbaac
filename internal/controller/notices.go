package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/pubsub"
)

// noticeRecord is the JSON line written for one Notice.
type noticeRecord struct {
	Time     time.Time        `json:"time"`
	Kind     pubsub.EventType `json:"kind"`
	CallID   string           `json:"call_id"`
	Task     string           `json:"task"`
	Event    *async.Event     `json:"event,omitempty"`
	Status   Status           `json:"status,omitempty"`
	ExitCode *int             `json:"exit_code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// WriteNotices encodes every notice from events as a JSON line on w until
// the channel is closed. Writing stops at the first encoding error.
func WriteNotices(events <-chan pubsub.Event[Notice], w io.Writer) error {
	enc := json.NewEncoder(w)
	for ev := range events {
		rec := noticeRecord{
			Time:   ev.Timestamp,
			Kind:   ev.Type,
			CallID: ev.Payload.CallID,
			Task:   ev.Payload.Name,
		}
		if ev.Type == pubsub.CallEvent {
			e := ev.Payload.Event
			rec.Event = &e
		}
		if out := ev.Payload.Outcome; out != nil {
			code := out.ExitCode()
			rec.Status = out.Status
			rec.ExitCode = &code
			if out.Error != nil {
				rec.Error = out.Error.Message
			}
		}
		if err := enc.Encode(rec); err != nil {
			// Keep draining so the broker never blocks on this subscriber.
			for range events {
			}
			return fmt.Errorf("writing notice: %w", err)
		}
	}
	return nil
}
