package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
)

// MySQL provisions databases on a shared MySQL server.
type MySQL struct {
	ep  Endpoint
	db  *sql.DB
	log *logging.Logger
}

// NewMySQL opens the admin handle. The driver dials lazily.
func NewMySQL(ep Endpoint, log *logging.Logger) (*MySQL, error) {
	db, err := sql.Open("mysql", mysqlDSN(ep, ""))
	if err != nil {
		return nil, fmt.Errorf("mysql admin handle: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &MySQL{ep: ep, db: db, log: log}, nil
}

// ConnectionStringFor returns the URI a preview container uses to reach
// its database.
func (m *MySQL) ConnectionStringFor(dbName string) string {
	return m.ep.uri("mysql", dbName)
}

// DatabaseExists checks information_schema for the name.
func (m *MySQL) DatabaseExists(ctx context.Context, dbName string) (bool, error) {
	var name string
	err := m.db.QueryRowContext(ctx,
		"SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?", dbName).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", dbName, err)
	}
	return true, nil
}

// CreateDatabase creates dbName if it does not exist and returns its
// connection string.
func (m *MySQL) CreateDatabase(ctx context.Context, previewID, dbName string) (string, error) {
	exists, err := m.DatabaseExists(ctx, dbName)
	if err != nil {
		return "", err
	}
	if exists {
		m.log.Debug("mysql database already exists", "preview", previewID, "database", dbName)
		return m.ConnectionStringFor(dbName), nil
	}

	if _, err := m.db.ExecContext(ctx, "CREATE DATABASE "+quoteMySQLIdent(dbName)); err != nil {
		return "", fmt.Errorf("create database %s: %w", dbName, err)
	}
	m.log.Info("mysql database created", "preview", previewID, "database", dbName)
	return m.ConnectionStringFor(dbName), nil
}

// DestroyDatabase drops the database. A missing database is success.
func (m *MySQL) DestroyDatabase(ctx context.Context, previewID, dbName string) error {
	if _, err := m.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteMySQLIdent(dbName)); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}
	m.log.Info("mysql database dropped", "preview", previewID, "database", dbName)
	return nil
}

// RunMigrations executes the .sql files in migrationsDir in lexicographic
// order. The driver runs one statement per call, so files are split on
// ";" and applied sequentially.
func (m *MySQL) RunMigrations(ctx context.Context, connectionString, migrationsDir string) error {
	files, err := migrationFiles(migrationsDir, ".sql")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	dsn, err := mysqlDSNFromURI(connectionString)
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("connect for migrations: %w", err)
	}
	defer db.Close()

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
		}
		m.log.Debug("mysql migration applied", "file", file)
	}
	return nil
}

// Close releases the admin handle.
func (m *MySQL) Close() {
	_ = m.db.Close()
}

// mysqlDSN builds the driver DSN "user:pass@tcp(host:port)/db".
func mysqlDSN(ep Endpoint, dbName string) string {
	cred := ""
	if ep.User != "" {
		cred = ep.User + ":" + ep.Password + "@"
	}
	return fmt.Sprintf("%stcp(%s:%d)/%s?multiStatements=false&parseTime=true", cred, ep.Host, ep.Port, dbName)
}

// mysqlDSNFromURI converts a mysql:// connection string into the driver
// DSN format.
func mysqlDSNFromURI(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("parse connection string: %w", err)
	}
	ep := Endpoint{Host: u.Hostname()}
	fmt.Sscanf(u.Port(), "%d", &ep.Port)
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return mysqlDSN(ep, strings.TrimPrefix(u.Path, "/")), nil
}

// quoteMySQLIdent backtick-quotes an identifier, doubling embedded
// backticks.
func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
