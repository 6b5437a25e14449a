// Package store persists preview records and lifecycle events. Two
// backends implement the same interface: a single-file BoltDB store for
// single-node deployments and tests, and MongoDB for production. The
// backend is selected by the store URI scheme.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
)

// PreviewFilter narrows ListPreviews. Zero values match everything.
type PreviewFilter struct {
	Status    preview.Status
	RepoOwner string
	RepoName  string
}

// EventFilter narrows ListEvents. A zero Limit means 100.
type EventFilter struct {
	Type   preview.EventType
	Limit  int
	Offset int
}

// DefaultEventLimit applies when an EventFilter has no limit.
const DefaultEventLimit = 100

// Store is the durable metadata store for previews and their events.
type Store interface {
	// InsertPreview creates the record. A live (non-DESTROYED) record with
	// the same id fails with preview.ErrExists; a DESTROYED tombstone is
	// replaced.
	InsertPreview(ctx context.Context, p *preview.Preview) error
	// SavePreview atomically replaces the record keyed by its previewId.
	// Fails with preview.ErrNotFound when no record exists.
	SavePreview(ctx context.Context, p *preview.Preview) error
	GetPreview(ctx context.Context, id string) (*preview.Preview, error)
	ListPreviews(ctx context.Context, f PreviewFilter) ([]*preview.Preview, error)
	// CountPreviews counts records in any of the given statuses, optionally
	// restricted to one owner (empty owner counts all).
	CountPreviews(ctx context.Context, ownerID string, statuses []preview.Status) (int, error)
	DeletePreview(ctx context.Context, id string) error

	// AppendEvent writes one lifecycle event. It fails with
	// preview.ErrNotFound when no record exists for the referenced preview.
	AppendEvent(ctx context.Context, e *preview.Event) error
	// ListEvents returns events for one preview, newest first.
	ListEvents(ctx context.Context, ref string, f EventFilter) ([]preview.Event, error)
	CountEvents(ctx context.Context, ref string, eventType preview.EventType) (int, error)
	EventStats(ctx context.Context, ref string) (map[string]int, error)
	DeleteEventsFor(ctx context.Context, ref string) (int, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open selects and opens a backend from the URI: mongodb:// (or
// mongodb+srv://) dials MongoDB, anything else is treated as a BoltDB file
// path.
func Open(ctx context.Context, uri string) (Store, error) {
	if strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://") {
		return OpenMongo(ctx, uri)
	}
	return OpenBolt(uri)
}
