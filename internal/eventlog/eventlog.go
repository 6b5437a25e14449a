// Package eventlog is the append-and-query service over preview lifecycle
// events. It writes through the store, mirrors every append onto the
// in-process bus for live subscribers, and resolves the API's overloaded
// identifier (previewId or bare pull-request number).
package eventlog

import (
	"context"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/clock"
	"github.com/Tom-Hartley/Preview-Warden/internal/events"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

// DefaultPageSize applies when Paginate is called with pageSize <= 0.
const DefaultPageSize = 50

// Log appends, queries, and streams lifecycle events.
type Log struct {
	store store.Store
	bus   *events.Bus
	clock clock.Clock
}

// New builds a Log over the given store and bus.
func New(s store.Store, bus *events.Bus, clk clock.Clock) *Log {
	return &Log{store: s, bus: bus, clock: clk}
}

// Resolve maps an identifier to a previewId: a bare number is treated as
// a pull-request number, anything else is already a previewId.
func Resolve(identifier string) string {
	if isNumeric(identifier) {
		return "pr-" + identifier
	}
	return identifier
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Append writes one event and publishes it to live subscribers. It fails
// with preview.ErrNotFound when the referenced preview record does not
// exist, so callers must insert the record before the first event.
func (l *Log) Append(ctx context.Context, previewRef string, eventType preview.EventType, message string, metadata map[string]string) error {
	evt := &preview.Event{
		PreviewRef: previewRef,
		Type:       eventType,
		Message:    message,
		Metadata:   metadata,
		CreatedAt:  l.clock.Now().UTC(),
	}
	if p, err := l.store.GetPreview(ctx, previewRef); err == nil {
		evt.PullRequestNumber = p.PullRequestNumber
	}

	if err := l.store.AppendEvent(ctx, evt); err != nil {
		return err
	}

	l.bus.Publish(events.PreviewEvent{
		Preview:           evt.PreviewRef,
		PullRequestNumber: evt.PullRequestNumber,
		Type:              string(evt.Type),
		Message:           evt.Message,
		Metadata:          evt.Metadata,
		CreatedAt:         evt.CreatedAt,
	})
	return nil
}

// List returns events newest-first for the identified preview.
func (l *Log) List(ctx context.Context, identifier string, f store.EventFilter) ([]preview.Event, error) {
	return l.store.ListEvents(ctx, Resolve(identifier), f)
}

// Page is one page of events with count metadata.
type Page struct {
	Events     []preview.Event `json:"events"`
	TotalCount int             `json:"totalCount"`
	PageCount  int             `json:"pageCount"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
}

// Paginate returns one newest-first page. Pages are 1-based.
func (l *Log) Paginate(ctx context.Context, identifier string, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	ref := Resolve(identifier)

	total, err := l.store.CountEvents(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	evts, err := l.store.ListEvents(ctx, ref, store.EventFilter{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, err
	}

	pageCount := (total + pageSize - 1) / pageSize
	return &Page{
		Events:     evts,
		TotalCount: total,
		PageCount:  pageCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// Stats returns per-type event counts for the identified preview.
func (l *Log) Stats(ctx context.Context, identifier string) (map[string]int, error) {
	return l.store.EventStats(ctx, Resolve(identifier))
}

// streamSnapshotLimit caps the historical events replayed by Stream.
const streamSnapshotLimit = 100

// Stream calls callback with the last events oldest-first, then tails new
// appends for the identified preview until ctx is done. A callback error
// ends the stream; bus events for other previews are filtered out.
func (l *Log) Stream(ctx context.Context, identifier string, callback func(events.PreviewEvent) error) error {
	ref := Resolve(identifier)

	// Subscribe before the snapshot so no append falls in the gap.
	// Duplicates across the boundary are possible and acceptable.
	ch, cancel := l.bus.Subscribe()
	defer cancel()

	snapshot, err := l.store.ListEvents(ctx, ref, store.EventFilter{Limit: streamSnapshotLimit})
	if err != nil {
		return err
	}
	for i := len(snapshot) - 1; i >= 0; i-- {
		e := snapshot[i]
		evt := events.PreviewEvent{
			Preview:           e.PreviewRef,
			PullRequestNumber: e.PullRequestNumber,
			Type:              string(e.Type),
			Message:           e.Message,
			Metadata:          e.Metadata,
			CreatedAt:         e.CreatedAt,
		}
		if err := callback(evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if evt.Preview != ref {
				continue
			}
			if err := callback(evt); err != nil {
				return err
			}
		}
	}
}

// DeleteAllFor removes every event of the identified preview.
func (l *Log) DeleteAllFor(ctx context.Context, identifier string) (int, error) {
	return l.store.DeleteEventsFor(ctx, Resolve(identifier))
}

// RetentionSweep deletes events older than the given number of days.
func (l *Log) RetentionSweep(ctx context.Context, days int) (int, error) {
	cutoff := l.clock.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	return l.store.DeleteEventsBefore(ctx, cutoff)
}
