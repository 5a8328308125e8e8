// Package db persists the credential pool and the fulfillment ledger in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

const (
	driverName     = "sqlite"
	dirPermissions = 0o750
)

// Static errors.
var (
	ErrPathEmpty          = errors.New("database path cannot be empty")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrRecordNotFound     = errors.New("fulfillment record not found")
)

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	provider        TEXT NOT NULL,
	secret          TEXT NOT NULL,
	characters_used INTEGER NOT NULL DEFAULT 0,
	characters_reserved INTEGER NOT NULL DEFAULT 0,
	character_quota INTEGER NOT NULL DEFAULT 0,
	enabled         INTEGER NOT NULL DEFAULT 1,
	last_used_at    INTEGER NOT NULL DEFAULT 0,
	last_checked_at INTEGER NOT NULL DEFAULT 0,
	notes           TEXT NOT NULL DEFAULT '',
	tier            TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_candidates ON credentials(enabled, last_used_at);
`

const recordsSchema = `
CREATE TABLE IF NOT EXISTS fulfillment_records (
	id              TEXT PRIMARY KEY,
	text            TEXT NOT NULL,
	voices          TEXT NOT NULL DEFAULT '[]',
	audio_url       TEXT NOT NULL DEFAULT '',
	credential_id   TEXT NOT NULL DEFAULT '',
	credential_name TEXT NOT NULL DEFAULT '',
	characters_used INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	outcome         TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	details         TEXT NOT NULL DEFAULT '[]',
	user_id         TEXT NOT NULL DEFAULT '',
	file_id         TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_created ON fulfillment_records(created_at);
CREATE INDEX IF NOT EXISTS idx_records_credential ON fulfillment_records(credential_id);
`

// DB wraps the SQL connection with the pool and ledger queries.
type DB struct {
	*sql.DB
	path string
}

// New opens (or creates) the database at path and applies the schema.
func New(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		mkdirErr := os.MkdirAll(dir, dirPermissions)
		if mkdirErr != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", mkdirErr)
		}
	}

	sqlDB, err := sql.Open(driverName, dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingErr := sqlDB.PingContext(ctx)
	if pingErr != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("failed to connect to database: %w", pingErr)
	}

	database := &DB{DB: sqlDB, path: path}

	schemaErr := database.createSchema(ctx)
	if schemaErr != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("failed to create schema: %w", schemaErr)
	}

	return database, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// dataSourceName attaches the pragmas to the DSN so that every pooled
// connection gets them, not only the first one.
func dataSourceName(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
	}

	query := url.Values{}
	for _, pragma := range pragmas {
		query.Add("_pragma", pragma)
	}

	return path + "?" + query.Encode()
}

func (db *DB) createSchema(ctx context.Context) error {
	for _, schema := range []string{credentialsSchema, recordsSchema} {
		_, err := db.ExecContext(ctx, schema)
		if err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return db.addReservedColumn(ctx)
}

// addReservedColumn upgrades credentials tables created before reservations
// were tracked separately.
func (db *DB) addReservedColumn(ctx context.Context) error {
	var count int

	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('credentials') WHERE name = 'characters_reserved'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect credentials table: %w", err)
	}

	if count > 0 {
		return nil
	}

	_, err = db.ExecContext(ctx,
		`ALTER TABLE credentials ADD COLUMN characters_reserved INTEGER NOT NULL DEFAULT 0`)
	if err != nil {
		return fmt.Errorf("failed to add characters_reserved column: %w", err)
	}

	return nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	_, _ = db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")

	err := db.DB.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
