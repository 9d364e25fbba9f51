// Package bus provides process-local fan-out of committed workflow
// events. Subscribers scope their stream to one or more workflows (or
// all of them) and receive events over a bounded channel. Slow
// subscribers lose events rather than block publishers; a synthesized
// SYSTEM_WARNING marks the gap in their stream so they can backfill.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Bus broadcasts committed events to scoped subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	done       chan struct{}
}

// New creates a Bus with the default per-subscriber buffer size.
func New() *Bus {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a Bus with a custom per-subscriber buffer size.
func NewWithBuffer(size int) *Bus {
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: size,
		done:       make(chan struct{}),
	}
}

// Subscription is one subscriber's scoped view of the event stream.
// Scope changes take effect for events published after the call.
type Subscription struct {
	ch chan workflow.Event

	mu        sync.Mutex
	all       bool
	workflows map[workflow.ID]struct{}
	dropped   int64
	warned    bool
	closed    bool
}

// Subscribe registers a new subscription with an empty scope. The
// channel is closed when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	// One extra slot is reserved for the lag warning; normal events
	// never occupy it.
	sub := &Subscription{
		ch:        make(chan workflow.Event, b.bufferSize+1),
		workflows: make(map[workflow.ID]struct{}),
	}

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		sub.close()
		return sub
	default:
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	}()

	return sub
}

// Publish delivers the event to every subscription whose scope matches.
// Non-blocking: a full subscriber buffer drops the event and arms a lag
// warning for that subscriber.
func (b *Bus) Publish(event workflow.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		sub.deliver(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // Already closed
	default:
	}

	close(b.done)
	for sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan workflow.Event {
	return s.ch
}

// AddWorkflow adds one workflow to the subscription scope.
func (s *Subscription) AddWorkflow(id workflow.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id] = struct{}{}
}

// RemoveWorkflow removes one workflow from the subscription scope.
func (s *Subscription) RemoveWorkflow(id workflow.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
}

// SubscribeAll widens the scope to every workflow.
func (s *Subscription) SubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = true
}

// Matches reports whether the subscription scope covers the workflow.
func (s *Subscription) Matches(id workflow.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchesLocked(id)
}

func (s *Subscription) matchesLocked(id workflow.ID) bool {
	if s.all {
		return true
	}
	_, ok := s.workflows[id]
	return ok
}

// deliver sends the event if in scope. The first drop of a gap pushes
// a lag warning into the reserved buffer slot immediately, so the gap
// is signaled even when nothing in scope is published afterwards.
// Drops accumulated after that warning are reported by a second one
// once the buffer has room again.
func (s *Subscription) deliver(event workflow.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.matchesLocked(event.WorkflowID) {
		return
	}

	if len(s.ch) >= cap(s.ch)-1 {
		s.dropped++
		log.Warn(log.CatBus, "subscriber lagging, event dropped",
			"workflow", event.WorkflowID, "sequence", event.Sequence, "dropped", s.dropped)
		if !s.warned {
			select {
			case s.ch <- lagWarning(event.WorkflowID, s.dropped):
				s.warned = true
				s.dropped = 0
			default:
				// Reserved slot still held by a flushed event; retried
				// on the next drop.
			}
		}
		return
	}

	if s.dropped > 0 {
		select {
		case s.ch <- lagWarning(event.WorkflowID, s.dropped):
			s.dropped = 0
		default:
		}
	}
	s.warned = false
	s.ch <- event
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// lagWarning synthesizes the in-stream gap marker. It carries no
// sequence number because it is never persisted.
func lagWarning(id workflow.ID, dropped int64) workflow.Event {
	return workflow.Event{
		ID:         uuid.New().String(),
		WorkflowID: id,
		Timestamp:  time.Now().UTC(),
		Agent:      workflow.AgentSystem,
		Type:       workflow.EventSystemWarning,
		Message:    "subscriber lagging; events dropped from live stream",
		Data:       map[string]any{"subscriber_lag": dropped},
	}
}
