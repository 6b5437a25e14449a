// Package notify provides lifecycle notifications for Preview-Warden.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened during a preview lifecycle.
type EventType string

const (
	EventPreviewCreated   EventType = "preview_created"
	EventPreviewUpdated   EventType = "preview_updated"
	EventPreviewDestroyed EventType = "preview_destroyed"
	EventPreviewFailed    EventType = "preview_failed"
	EventPreviewEvicted   EventType = "preview_evicted"
	EventOrphanRemoved    EventType = "orphan_removed"
)

// AllEventTypes returns every event type that can be filtered for
// notifications.
func AllEventTypes() []EventType {
	return []EventType{
		EventPreviewCreated,
		EventPreviewUpdated,
		EventPreviewDestroyed,
		EventPreviewFailed,
		EventPreviewEvicted,
		EventOrphanRemoved,
	}
}

// Event represents a notification event.
type Event struct {
	Type      EventType         `json:"type"`
	PreviewID string            `json:"preview_id"`
	OwnerID   string            `json:"owner_id,omitempty"`
	Repo      string            `json:"repo,omitempty"` // "owner/name"
	CommitSha string            `json:"commit_sha,omitempty"`
	URLs      map[string]string `json:"urls,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block lifecycle
// transitions.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"preview", event.PreviewID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
