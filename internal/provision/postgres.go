package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
)

// postgresMaintenanceDB is the database the admin pool connects to for
// CREATE/DROP DATABASE statements.
const postgresMaintenanceDB = "postgres"

// Postgres provisions databases on a shared PostgreSQL server.
type Postgres struct {
	ep   Endpoint
	pool *pgxpool.Pool
	log  *logging.Logger
}

// NewPostgres builds the admin pool against the maintenance database.
// Connections are established lazily on first use.
func NewPostgres(ep Endpoint, log *logging.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), ep.uri("postgres", postgresMaintenanceDB))
	if err != nil {
		return nil, fmt.Errorf("postgres admin pool: %w", err)
	}
	return &Postgres{ep: ep, pool: pool, log: log}, nil
}

// ConnectionStringFor returns the URI a preview container uses to reach
// its database.
func (p *Postgres) ConnectionStringFor(dbName string) string {
	return p.ep.uri("postgres", dbName)
}

// DatabaseExists checks pg_database for the name.
func (p *Postgres) DatabaseExists(ctx context.Context, dbName string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, "SELECT 1 FROM pg_database WHERE datname = $1", dbName).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", dbName, err)
	}
	return true, nil
}

// CreateDatabase creates dbName if it does not exist and returns its
// connection string. CREATE DATABASE cannot be parameterized, so the name
// is quoted as an identifier.
func (p *Postgres) CreateDatabase(ctx context.Context, previewID, dbName string) (string, error) {
	exists, err := p.DatabaseExists(ctx, dbName)
	if err != nil {
		return "", err
	}
	if exists {
		p.log.Debug("postgres database already exists", "preview", previewID, "database", dbName)
		return p.ConnectionStringFor(dbName), nil
	}

	if _, err := p.pool.Exec(ctx, "CREATE DATABASE "+quotePostgresIdent(dbName)); err != nil {
		return "", fmt.Errorf("create database %s: %w", dbName, err)
	}
	p.log.Info("postgres database created", "preview", previewID, "database", dbName)
	return p.ConnectionStringFor(dbName), nil
}

// DestroyDatabase terminates every session on the target database except
// our own, then drops it. A missing database is success.
func (p *Postgres) DestroyDatabase(ctx context.Context, previewID, dbName string) error {
	_, err := p.pool.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		dbName)
	if err != nil {
		return fmt.Errorf("terminate sessions on %s: %w", dbName, err)
	}

	if _, err := p.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+quotePostgresIdent(dbName)); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}
	p.log.Info("postgres database dropped", "preview", previewID, "database", dbName)
	return nil
}

// RunMigrations executes the .sql files in migrationsDir in lexicographic
// order over a dedicated connection to the target database. The simple
// query protocol lets one file carry multiple statements.
func (p *Postgres) RunMigrations(ctx context.Context, connectionString, migrationsDir string) error {
	files, err := migrationFiles(migrationsDir, ".sql")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	cfg, err := pgx.ParseConfig(connectionString)
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect for migrations: %w", err)
	}
	defer conn.Close(ctx)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := conn.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		p.log.Debug("postgres migration applied", "file", file)
	}
	return nil
}

// Close releases the admin pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// quotePostgresIdent double-quotes an identifier, doubling embedded
// quotes.
func quotePostgresIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
