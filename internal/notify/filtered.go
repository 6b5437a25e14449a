package notify

import "context"

// Filtered wraps a Notifier and only forwards events whose type matches
// the allowed set. If the allowed set is empty, all events pass through.
type Filtered struct {
	inner   Notifier
	allowed map[EventType]struct{}
}

// NewFiltered creates a notifier that only forwards events matching the
// given event type strings. An empty list means all events are forwarded.
func NewFiltered(inner Notifier, events []string) *Filtered {
	allowed := make(map[EventType]struct{}, len(events))
	for _, e := range events {
		allowed[EventType(e)] = struct{}{}
	}
	return &Filtered{inner: inner, allowed: allowed}
}

// Name returns the name of the wrapped notifier.
func (f *Filtered) Name() string { return f.inner.Name() }

// Send forwards the event to the inner notifier only if the event type
// is in the allowed set.
func (f *Filtered) Send(ctx context.Context, event Event) error {
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[event.Type]; !ok {
			return nil
		}
	}
	return f.inner.Send(ctx, event)
}
