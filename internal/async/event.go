// Package async runs a task on a worker goroutine and bridges it to a
// controller: the task streams events out, receives responses correlated by
// event id, and can be cooperatively interrupted.
package async

import (
	"encoding/json"
	"fmt"

	"github.com/mobilipia/build-tools/internal/question"
)

// EventType identifies the kind of an Event.
type EventType string

const (
	EventQuestion      EventType = "question"
	EventProgress      EventType = "progress"
	EventProgressStart EventType = "progressStart"
	EventProgressEnd   EventType = "progressEnd"
	EventLog           EventType = "log"
	EventSuccess       EventType = "success"
	EventError         EventType = "error"
)

// IsTerminal reports whether a Call emits nothing after an event of this type.
func (t EventType) IsTerminal() bool {
	return t == EventSuccess || t == EventError
}

// Fields holds the type-specific payload of an event.
type Fields map[string]any

// Event is a message emitted by a running Call. Events are never modified
// after emission.
type Event struct {
	CallID  string
	Type    EventType
	EventID string
	Fields  Fields
}

// Reserved wire keys; they always win over payload fields of the same name.
const (
	keyCallID  = "callId"
	keyType    = "type"
	keyEventID = "eventId"
)

// MarshalJSON flattens Fields next to callId, type and eventId.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m[keyCallID] = e.CallID
	m[keyType] = e.Type
	m[keyEventID] = e.EventID
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	callID, _ := m[keyCallID].(string)
	typ, _ := m[keyType].(string)
	eventID, _ := m[keyEventID].(string)
	if typ == "" || eventID == "" {
		return fmt.Errorf("event missing %s or %s", keyType, keyEventID)
	}
	delete(m, keyCallID)
	delete(m, keyType)
	delete(m, keyEventID)
	*e = Event{CallID: callID, Type: EventType(typ), EventID: eventID, Fields: m}
	return nil
}

// Get returns a payload field.
func (e Event) Get(key string) any {
	return e.Fields[key]
}

func (e Event) str(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

func (e Event) flag(key string) bool {
	b, _ := e.Fields[key].(bool)
	return b
}

// Message returns the message of log, progress and error events.
func (e Event) Message() string { return e.str("message") }

// Level returns the level name of a log event.
func (e Event) Level() string { return e.str("level") }

// Data returns the result carried by a success event.
func (e Event) Data() any { return e.Fields["data"] }

// ErrorType returns the error type name of an error event.
func (e Event) ErrorType() string { return e.str("error_type") }

// Traceback returns the formatted trace of an error event.
func (e Event) Traceback() string { return e.str("traceback") }

// Expected reports whether an error event describes an anticipated failure.
func (e Event) Expected() bool { return e.flag("expected") }

// Cancelled reports whether an error event was caused by an interrupt.
func (e Event) Cancelled() bool { return e.flag("cancelled") }

// Fraction returns the completion fraction of a progress event.
func (e Event) Fraction() (float64, bool) {
	switch v := e.Fields["fraction"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Schema decodes the schema of a question event.
func (e Event) Schema() (question.Schema, error) {
	raw, ok := e.Fields["schema"]
	if !ok {
		return question.Schema{}, fmt.Errorf("event %s has no schema", e.EventID)
	}
	return question.Decode(raw)
}

// standardErrorKeys are the error event keys that are not extra fields.
var standardErrorKeys = map[string]bool{
	"message": true, "error_type": true, "traceback": true,
	"expected": true, "cancelled": true,
}

// ErrorInfo rebuilds the failure description carried by an error event.
// Stamp and extra fields end up in Extra.
func (e Event) ErrorInfo() *ErrorInfo {
	info := &ErrorInfo{
		Message:   e.Message(),
		Type:      e.ErrorType(),
		Traceback: e.Traceback(),
		Expected:  e.Expected(),
		Cancelled: e.Cancelled(),
	}
	for k, v := range e.Fields {
		if standardErrorKeys[k] {
			continue
		}
		if info.Extra == nil {
			info.Extra = Fields{}
		}
		info.Extra[k] = v
	}
	return info
}

// Response answers a prior Event, correlated by EventID.
type Response struct {
	EventID string `json:"eventId"`
	Data    any    `json:"data"`
}

// control values travel on the input channel next to Responses. Being a
// distinct type they can never be mistaken for one.
type control int

const (
	finished control = iota + 1
	interrupted
)

func (c control) String() string {
	switch c {
	case finished:
		return "finished"
	case interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
