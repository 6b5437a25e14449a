// Package events provides a fan-out pub/sub bus carrying preview lifecycle
// events to live subscribers (SSE streams, the event-log tail).
package events

import (
	"sync"
	"time"
)

// PreviewEvent is a single event published through the bus. It mirrors the
// stored lifecycle event so subscribers don't import the store.
type PreviewEvent struct {
	Preview           string            `json:"previewRef"`
	PullRequestNumber int               `json:"pullRequestNumber,omitempty"`
	Type              string            `json:"type"`
	Message           string            `json:"message"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan PreviewEvent
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan PreviewEvent),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt PreviewEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan PreviewEvent, func()) {
	ch := make(chan PreviewEvent, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
