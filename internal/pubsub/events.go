// Package pubsub provides a generic publish/subscribe event broker for
// in-process fan-out.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies a published event.
type EventType string

const (
	// MessageEvent carries a payload with no state semantics, such as
	// a log line pushed to stream subscribers.
	MessageEvent EventType = "message"
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

// Publisher publishes events with a typed payload and reports how many
// subscribers missed the event because their buffer was full.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T) int
}
