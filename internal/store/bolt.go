package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
)

var (
	bucketPreviews = []byte("previews")
	bucketEvents   = []byte("events")
)

// Bolt is the single-file BoltDB backend. All writes go through bolt's
// single-writer transaction, which gives us the atomic replace-by-id the
// orchestrator relies on.
type Bolt struct {
	db *bolt.DB
	// seq disambiguates event keys written within the same nanosecond.
	seq atomic.Uint64
}

// OpenBolt creates or opens a BoltDB database at the given path and ensures
// the buckets exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPreviews, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still readable.
func (s *Bolt) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPreviews) == nil {
			return fmt.Errorf("previews bucket missing")
		}
		return nil
	})
}

// InsertPreview creates the record. A live record with the same id fails
// with preview.ErrExists; a DESTROYED tombstone is replaced.
func (s *Bolt) InsertPreview(_ context.Context, p *preview.Preview) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreviews)
		key := []byte(p.PreviewID)

		if v := b.Get(key); v != nil {
			var existing preview.Preview
			if err := json.Unmarshal(v, &existing); err == nil && existing.Status != preview.StatusDestroyed {
				return fmt.Errorf("%s: %w", p.PreviewID, preview.ErrExists)
			}
		}

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal preview %s: %w", p.PreviewID, err)
		}
		return b.Put(key, data)
	})
}

// SavePreview replaces the record keyed by its previewId.
func (s *Bolt) SavePreview(_ context.Context, p *preview.Preview) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreviews)
		key := []byte(p.PreviewID)
		if b.Get(key) == nil {
			return fmt.Errorf("%s: %w", p.PreviewID, preview.ErrNotFound)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal preview %s: %w", p.PreviewID, err)
		}
		return b.Put(key, data)
	})
}

// GetPreview loads one record by previewId.
func (s *Bolt) GetPreview(_ context.Context, id string) (*preview.Preview, error) {
	var p *preview.Preview
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPreviews).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%s: %w", id, preview.ErrNotFound)
		}
		p = &preview.Preview{}
		return json.Unmarshal(v, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPreviews returns records matching the filter, newest first.
func (s *Bolt) ListPreviews(_ context.Context, f PreviewFilter) ([]*preview.Preview, error) {
	var out []*preview.Preview
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreviews).ForEach(func(_, v []byte) error {
			var p preview.Preview
			if err := json.Unmarshal(v, &p); err != nil {
				return nil // skip malformed records
			}
			if matchesPreviewFilter(&p, f) {
				out = append(out, &p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CountPreviews counts records in any of the given statuses, optionally
// restricted to one owner.
func (s *Bolt) CountPreviews(_ context.Context, ownerID string, statuses []preview.Status) (int, error) {
	wanted := make(map[preview.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreviews).ForEach(func(_, v []byte) error {
			var p preview.Preview
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if ownerID != "" && p.OwnerID != ownerID {
				return nil
			}
			if len(wanted) > 0 && !wanted[p.Status] {
				return nil
			}
			count++
			return nil
		})
	})
	return count, err
}

// DeletePreview removes the record. Deleting a missing id is a no-op.
func (s *Bolt) DeletePreview(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreviews).Delete([]byte(id))
	})
}

// eventKey orders events chronologically within a preview's key range.
// Key format: "{ref}::{unix nanos, zero-padded}::{seq}". The fixed-width
// nanosecond field keeps byte order identical to time order; seq breaks
// ties between events in the same nanosecond.
func (s *Bolt) eventKey(ref string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s::%020d::%08x", ref, at.UTC().UnixNano(), s.seq.Add(1)))
}

// AppendEvent writes one lifecycle event. The referenced preview record
// must already exist.
func (s *Bolt) AppendEvent(_ context.Context, e *preview.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPreviews).Get([]byte(e.PreviewRef)) == nil {
			return fmt.Errorf("%s: %w", e.PreviewRef, preview.ErrNotFound)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		return tx.Bucket(bucketEvents).Put(s.eventKey(e.PreviewRef, e.CreatedAt), data)
	})
}

// ListEvents returns events for one preview, newest first, honouring the
// filter's type, limit, and offset.
func (s *Bolt) ListEvents(_ context.Context, ref string, f EventFilter) ([]preview.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	all, err := s.eventsFor(ref)
	if err != nil {
		return nil, err
	}

	out := make([]preview.Event, 0, limit)
	skipped := 0
	// eventsFor returns oldest-first; walk backwards for newest-first.
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Type != "" && all[i].Type != f.Type {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// CountEvents counts one preview's events, optionally by type.
func (s *Bolt) CountEvents(_ context.Context, ref string, eventType preview.EventType) (int, error) {
	all, err := s.eventsFor(ref)
	if err != nil {
		return 0, err
	}
	if eventType == "" {
		return len(all), nil
	}
	count := 0
	for _, e := range all {
		if e.Type == eventType {
			count++
		}
	}
	return count, nil
}

// EventStats returns a count of events per type for one preview.
func (s *Bolt) EventStats(_ context.Context, ref string) (map[string]int, error) {
	all, err := s.eventsFor(ref)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int)
	for _, e := range all {
		stats[string(e.Type)]++
	}
	return stats, nil
}

// DeleteEventsFor removes every event of one preview, returning the count.
func (s *Bolt) DeleteEventsFor(_ context.Context, ref string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		prefix := []byte(ref + "::")

		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// DeleteEventsBefore removes events older than the cutoff across all
// previews. This is the retention backstop; Bolt has no TTL index.
func (s *Bolt) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()

		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e preview.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.CreatedAt.Before(cutoff) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				keys = append(keys, keyCopy)
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// eventsFor returns one preview's events oldest-first (key order).
func (s *Bolt) eventsFor(ref string) ([]preview.Event, error) {
	var out []preview.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		prefix := []byte(ref + "::")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e preview.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func matchesPreviewFilter(p *preview.Preview, f PreviewFilter) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.RepoOwner != "" && p.RepoOwner != f.RepoOwner {
		return false
	}
	if f.RepoName != "" && p.RepoName != f.RepoName {
		return false
	}
	return true
}

// Verify Bolt implements Store at compile time.
var _ Store = (*Bolt)(nil)
