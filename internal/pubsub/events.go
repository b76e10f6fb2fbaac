// Package pubsub provides a generic publish/subscribe event system used to
// fan out log entries and call lifecycle notices to observers.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EntryEvent carries a formatted log entry.
	EntryEvent EventType = "entry"
	// CallStartedEvent is published when a controller starts a call.
	CallStartedEvent EventType = "call_started"
	// CallEvent carries an event observed on a running call.
	CallEvent EventType = "call_event"
	// CallFinishedEvent is published once a call reached a terminal event.
	CallFinishedEvent EventType = "call_finished"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T) int
}
