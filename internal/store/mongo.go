package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
)

const (
	// defaultMongoDatabase is used when the URI carries no database name.
	defaultMongoDatabase = "warden"
	// eventTTL is the store-level retention for lifecycle events.
	eventTTL = 30 * 24 * time.Hour
)

// Mongo is the production backend. The previews collection carries a
// unique index on previewId; events carry a (previewRef, createdAt desc)
// index and a TTL index that expires them after 30 days.
type Mongo struct {
	client   *mongo.Client
	previews *mongo.Collection
	events   *mongo.Collection
}

// OpenMongo dials the cluster, pings it, and ensures the indexes exist.
func OpenMongo(ctx context.Context, uri string) (*Mongo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(databaseFromURI(uri))
	s := &Mongo{
		client:   client,
		previews: db.Collection("previews"),
		events:   db.Collection("events"),
	}
	if err := s.ensureIndexes(dialCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := s.previews.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "previewId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create previews index: %w", err)
	}

	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "previewRef", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(eventTTL.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("create events indexes: %w", err)
	}
	return nil
}

// Close disconnects from the cluster.
func (s *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks cluster reachability.
func (s *Mongo) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// InsertPreview creates the record, replacing a DESTROYED tombstone if one
// is still present. The unique previewId index is the backstop against
// concurrent inserts from multiple nodes.
func (s *Mongo) InsertPreview(ctx context.Context, p *preview.Preview) error {
	existing := s.previews.FindOne(ctx, bson.M{"previewId": p.PreviewID})
	var current preview.Preview
	err := existing.Decode(&current)
	switch {
	case err == nil:
		if current.Status != preview.StatusDestroyed {
			return fmt.Errorf("%s: %w", p.PreviewID, preview.ErrExists)
		}
		// Tombstone: replace in place.
		_, err := s.previews.ReplaceOne(ctx, bson.M{"previewId": p.PreviewID, "status": preview.StatusDestroyed}, p)
		if err != nil {
			return fmt.Errorf("replace tombstone %s: %w", p.PreviewID, err)
		}
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		if _, err := s.previews.InsertOne(ctx, p); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%s: %w", p.PreviewID, preview.ErrExists)
			}
			return fmt.Errorf("insert preview %s: %w", p.PreviewID, err)
		}
		return nil
	default:
		return fmt.Errorf("lookup preview %s: %w", p.PreviewID, err)
	}
}

// SavePreview atomically replaces the record keyed by previewId.
func (s *Mongo) SavePreview(ctx context.Context, p *preview.Preview) error {
	res, err := s.previews.ReplaceOne(ctx, bson.M{"previewId": p.PreviewID}, p)
	if err != nil {
		return fmt.Errorf("save preview %s: %w", p.PreviewID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", p.PreviewID, preview.ErrNotFound)
	}
	return nil
}

// GetPreview loads one record by previewId.
func (s *Mongo) GetPreview(ctx context.Context, id string) (*preview.Preview, error) {
	var p preview.Preview
	err := s.previews.FindOne(ctx, bson.M{"previewId": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", id, preview.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get preview %s: %w", id, err)
	}
	return &p, nil
}

// ListPreviews returns records matching the filter, newest first.
func (s *Mongo) ListPreviews(ctx context.Context, f PreviewFilter) ([]*preview.Preview, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.RepoOwner != "" {
		filter["repoOwner"] = f.RepoOwner
	}
	if f.RepoName != "" {
		filter["repoName"] = f.RepoName
	}

	cur, err := s.previews.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	defer cur.Close(ctx)

	var out []*preview.Preview
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode previews: %w", err)
	}
	return out, nil
}

// CountPreviews counts records in any of the given statuses, optionally
// restricted to one owner.
func (s *Mongo) CountPreviews(ctx context.Context, ownerID string, statuses []preview.Status) (int, error) {
	filter := bson.M{}
	if ownerID != "" {
		filter["ownerId"] = ownerID
	}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	n, err := s.previews.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count previews: %w", err)
	}
	return int(n), nil
}

// DeletePreview removes the record. Deleting a missing id is a no-op.
func (s *Mongo) DeletePreview(ctx context.Context, id string) error {
	if _, err := s.previews.DeleteOne(ctx, bson.M{"previewId": id}); err != nil {
		return fmt.Errorf("delete preview %s: %w", id, err)
	}
	return nil
}

// AppendEvent writes one lifecycle event. The referenced preview record
// must already exist.
func (s *Mongo) AppendEvent(ctx context.Context, e *preview.Event) error {
	n, err := s.previews.CountDocuments(ctx, bson.M{"previewId": e.PreviewRef}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("lookup preview %s: %w", e.PreviewRef, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", e.PreviewRef, preview.ErrNotFound)
	}
	if _, err := s.events.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("append event for %s: %w", e.PreviewRef, err)
	}
	return nil
}

// ListEvents returns events for one preview, newest first.
func (s *Mongo) ListEvents(ctx context.Context, ref string, f EventFilter) ([]preview.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	filter := bson.M{"previewRef": ref}
	if f.Type != "" {
		filter["type"] = f.Type
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(limit))

	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", ref, err)
	}
	defer cur.Close(ctx)

	out := make([]preview.Event, 0, limit)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out, nil
}

// CountEvents counts one preview's events, optionally by type.
func (s *Mongo) CountEvents(ctx context.Context, ref string, eventType preview.EventType) (int, error) {
	filter := bson.M{"previewRef": ref}
	if eventType != "" {
		filter["type"] = eventType
	}
	n, err := s.events.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count events for %s: %w", ref, err)
	}
	return int(n), nil
}

// EventStats returns a count of events per type for one preview.
func (s *Mongo) EventStats(ctx context.Context, ref string) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"previewRef": ref}}},
		{{Key: "$group", Value: bson.M{"_id": "$type", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("event stats for %s: %w", ref, err)
	}
	defer cur.Close(ctx)

	stats := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			Type  string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode event stats: %w", err)
		}
		stats[row.Type] = row.Count
	}
	return stats, cur.Err()
}

// DeleteEventsFor removes every event of one preview.
func (s *Mongo) DeleteEventsFor(ctx context.Context, ref string) (int, error) {
	res, err := s.events.DeleteMany(ctx, bson.M{"previewRef": ref})
	if err != nil {
		return 0, fmt.Errorf("delete events for %s: %w", ref, err)
	}
	return int(res.DeletedCount), nil
}

// DeleteEventsBefore removes events older than the cutoff. The TTL index
// does this on its own; the reconciler calls this as a backstop.
func (s *Mongo) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.events.DeleteMany(ctx, bson.M{"createdAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return int(res.DeletedCount), nil
}

// databaseFromURI extracts the database name from a mongodb URI path,
// falling back to "warden".
func databaseFromURI(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[i+1:]
	} else {
		return defaultMongoDatabase
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return defaultMongoDatabase
	}
	return rest
}

// Verify Mongo implements Store at compile time.
var _ Store = (*Mongo)(nil)
