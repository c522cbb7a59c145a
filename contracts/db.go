// Package contracts is the SQLite-backed source of auto-renewing contracts.
package contracts

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	_ "github.com/mattn/go-sqlite3"
)

// LatestMigrationVersion must be bumped with every new migration file.
const LatestMigrationVersion uint = 1

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrMigrationDowngrade is returned when the database is newer than the
// binary.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// OpenSQLite opens a SQLite database with WAL mode and foreign keys on.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	return db, nil
}

// Open opens the database at dbPath, applies pending migrations and
// returns a Store.
func Open(dbPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewStore(db, log), nil
}

// migrationLogger adapts slog to migrate.Logger.
type migrationLogger struct {
	log *slog.Logger
}

func (m *migrationLogger) Printf(format string, v ...any) {
	m.log.Info(fmt.Sprintf(strings.TrimRight(format, "\n"), v...))
}

func (m *migrationLogger) Verbose() bool { return false }

func migrateUp(db *sql.DB, log *slog.Logger) error {
	driver, err := sqlite_migrate.WithInstance(db, &sqlite_migrate.Config{})
	if err != nil {
		return err
	}
	src, err := httpfs.New(http.FS(migrationFS), "migrations")
	if err != nil {
		return err
	}
	mig, err := migrate.NewWithInstance("migrations", src, "sqlite3", driver)
	if err != nil {
		return err
	}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state at version %v, manual intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%v, latest_migration_version=%v",
			ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	mig.Log = &migrationLogger{log}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.InfoContext(context.Background(), "contracts database ready",
		"version", LatestMigrationVersion)
	return nil
}
