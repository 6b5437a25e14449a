package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
)

// sentinelCollection materializes an otherwise-implicit mongo database.
const sentinelCollection = "_warden"

// Mongo provisions databases on a shared MongoDB deployment.
type Mongo struct {
	ep      Endpoint
	client  *mongo.Client
	scripts ScriptRunner
	log     *logging.Logger
}

// NewMongo connects the admin client. The driver establishes connections
// in the background.
func NewMongo(ep Endpoint, scripts ScriptRunner, log *logging.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(ep.uri("mongodb", "")))
	if err != nil {
		return nil, fmt.Errorf("mongo admin client: %w", err)
	}
	return &Mongo{ep: ep, client: client, scripts: scripts, log: log}, nil
}

// ConnectionStringFor returns the URI a preview container uses to reach
// its database.
func (m *Mongo) ConnectionStringFor(dbName string) string {
	return m.ep.uri("mongodb", dbName)
}

// DatabaseExists reports whether the database has been materialized.
func (m *Mongo) DatabaseExists(ctx context.Context, dbName string) (bool, error) {
	names, err := m.client.ListDatabaseNames(ctx, bson.M{"name": dbName})
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", dbName, err)
	}
	return len(names) > 0, nil
}

// CreateDatabase materializes dbName by writing a sentinel document and
// returns its connection string. Mongo databases are implicit, so create
// on an existing database is naturally a no-op.
func (m *Mongo) CreateDatabase(ctx context.Context, previewID, dbName string) (string, error) {
	exists, err := m.DatabaseExists(ctx, dbName)
	if err != nil {
		return "", err
	}
	if exists {
		m.log.Debug("mongo database already exists", "preview", previewID, "database", dbName)
		return m.ConnectionStringFor(dbName), nil
	}

	_, err = m.client.Database(dbName).Collection(sentinelCollection).InsertOne(ctx, bson.M{
		"preview":   previewID,
		"createdAt": time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("create database %s: %w", dbName, err)
	}
	m.log.Info("mongo database created", "preview", previewID, "database", dbName)
	return m.ConnectionStringFor(dbName), nil
}

// DestroyDatabase drops the database. Dropping a missing database
// succeeds.
func (m *Mongo) DestroyDatabase(ctx context.Context, previewID, dbName string) error {
	if err := m.client.Database(dbName).Drop(ctx); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}
	m.log.Info("mongo database dropped", "preview", previewID, "database", dbName)
	return nil
}

// RunMigrations walks migrationsDir in lexicographic order. ".json" files
// are seed documents inserted into the collection named by the file
// ("NNN_<collection>.json"); ".js" files are delegated to the configured
// ScriptRunner and skipped with a warning when none is set.
func (m *Mongo) RunMigrations(ctx context.Context, connectionString, migrationsDir string) error {
	files, err := migrationFiles(migrationsDir, ".json", ".js")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	dbName, err := databaseNameFromURI(connectionString)
	if err != nil {
		return err
	}
	db := m.client.Database(dbName)

	for _, file := range files {
		switch strings.ToLower(filepath.Ext(file)) {
		case ".json":
			if err := m.applySeed(ctx, db, file); err != nil {
				return err
			}
		case ".js":
			if m.scripts == nil {
				m.log.Warn("no script runner configured, skipping migration", "file", file)
				continue
			}
			if err := m.scripts.RunScript(ctx, connectionString, file); err != nil {
				return fmt.Errorf("run migration script %s: %w", file, err)
			}
		}
		m.log.Debug("mongo migration applied", "file", file)
	}
	return nil
}

// applySeed inserts the documents of one seed file. The file holds either
// a JSON array or a single object.
func (m *Mongo) applySeed(ctx context.Context, db *mongo.Database, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read seed %s: %w", file, err)
	}

	var docs []any
	if err := json.Unmarshal(content, &docs); err != nil {
		var single map[string]any
		if err := json.Unmarshal(content, &single); err != nil {
			return fmt.Errorf("parse seed %s: %w", file, err)
		}
		docs = []any{single}
	}
	if len(docs) == 0 {
		return nil
	}

	coll := db.Collection(seedCollection(file))
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert seed %s: %w", file, err)
	}
	return nil
}

// Close disconnects the admin client.
func (m *Mongo) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.client.Disconnect(ctx)
}
