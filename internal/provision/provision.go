// Package provision creates, migrates, and destroys per-preview databases.
// One provisioner exists per engine; all of them share the uniform
// Provisioner interface so the orchestrator never branches on the engine.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
)

// ErrEngineNotConfigured means no admin endpoint was configured for the
// requested engine.
var ErrEngineNotConfigured = errors.New("database engine not configured")

// Provisioner is the uniform per-engine capability.
type Provisioner interface {
	// CreateDatabase creates the database and returns its connection
	// string. Creating an existing database is a no-op that still returns
	// the connection string.
	CreateDatabase(ctx context.Context, previewID, dbName string) (string, error)
	// RunMigrations applies the migration files in migrationsDir against
	// the database addressed by connectionString.
	RunMigrations(ctx context.Context, connectionString, migrationsDir string) error
	// DestroyDatabase drops the database. A missing database is success.
	DestroyDatabase(ctx context.Context, previewID, dbName string) error
	DatabaseExists(ctx context.Context, dbName string) (bool, error)
	ConnectionStringFor(dbName string) string
	Close()
}

// ScriptRunner executes a migration script against a database. The mongo
// provisioner delegates .js migration files to it; a nil runner skips
// them with a warning.
type ScriptRunner interface {
	RunScript(ctx context.Context, connectionString, path string) error
}

// Endpoint is the admin connection for one engine.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Configured reports whether the endpoint has enough to dial.
func (e Endpoint) Configured() bool {
	return e.Host != ""
}

// uri builds "<scheme>://user:pass@host:port/<db>".
func (e Endpoint) uri(scheme, dbName string) string {
	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", e.Host, e.Port),
		Path:   "/" + dbName,
	}
	if e.User != "" {
		u.User = url.UserPassword(e.User, e.Password)
	}
	return u.String()
}

// Factory hands out one memoized provisioner per engine. Construction is
// lazy: nothing is dialed until an engine is first requested.
type Factory struct {
	mu        sync.Mutex
	log       *logging.Logger
	scripts   ScriptRunner
	endpoints map[preview.Engine]Endpoint
	open      map[preview.Engine]Provisioner
}

// NewFactory creates an empty Factory. Engines are added with Register.
func NewFactory(log *logging.Logger, scripts ScriptRunner) *Factory {
	return &Factory{
		log:       log,
		scripts:   scripts,
		endpoints: make(map[preview.Engine]Endpoint),
		open:      make(map[preview.Engine]Provisioner),
	}
}

// Register makes an engine available. Unconfigured endpoints are ignored
// so the caller can pass its config through unconditionally.
func (f *Factory) Register(engine preview.Engine, ep Endpoint) {
	if !ep.Configured() {
		return
	}
	f.mu.Lock()
	f.endpoints[engine] = ep
	f.mu.Unlock()
}

// For returns the provisioner for an engine, constructing it on first use.
func (f *Factory) For(engine preview.Engine) (Provisioner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.open[engine]; ok {
		return p, nil
	}
	ep, ok := f.endpoints[engine]
	if !ok {
		return nil, fmt.Errorf("engine %s: %w", engine, ErrEngineNotConfigured)
	}

	var (
		p   Provisioner
		err error
	)
	switch engine {
	case preview.EnginePostgres:
		p, err = NewPostgres(ep, f.log)
	case preview.EngineMySQL:
		p, err = NewMySQL(ep, f.log)
	case preview.EngineMongo:
		p, err = NewMongo(ep, f.scripts, f.log)
	default:
		return nil, fmt.Errorf("engine %s: %w", engine, ErrEngineNotConfigured)
	}
	if err != nil {
		return nil, err
	}
	f.open[engine] = p
	return p, nil
}

// Close releases every constructed provisioner's pooled connections.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for engine, p := range f.open {
		p.Close()
		delete(f.open, engine)
	}
}
