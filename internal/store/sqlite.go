package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/zorak1103/velux-active/internal/velux"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	busyTimeoutMS     = 5000
	connectionTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS token_state (
	account        TEXT PRIMARY KEY,
	access_token   TEXT NOT NULL DEFAULT '',
	refresh_token  TEXT NOT NULL DEFAULT '',
	expires_in     INTEGER NOT NULL DEFAULT 0,
	expire_in      INTEGER NOT NULL DEFAULT 0,
	acquired_at_ms INTEGER NOT NULL DEFAULT 0,
	updated_at     TEXT NOT NULL
)`

// SQLite stores token state in a single-table SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions) //nolint:errcheck // file may be created lazily

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// LoadTokens implements velux.TokenBackend.
func (s *SQLite) LoadTokens(ctx context.Context, account string) (velux.TokenState, bool, error) {
	var st velux.TokenState
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_in, expire_in, acquired_at_ms
		 FROM token_state WHERE account = ?`, account,
	).Scan(&st.AccessToken, &st.RefreshToken, &st.ExpiresIn, &st.ExpireIn, &st.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return velux.TokenState{}, false, nil
	}
	if err != nil {
		return velux.TokenState{}, false, fmt.Errorf("querying token state: %w", err)
	}
	return st, true, nil
}

// SaveTokens implements velux.TokenBackend. The row is replaced in one transaction.
func (s *SQLite) SaveTokens(ctx context.Context, account string, st velux.TokenState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_state (account, access_token, refresh_token, expires_in, expire_in, acquired_at_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			access_token   = excluded.access_token,
			refresh_token  = excluded.refresh_token,
			expires_in     = excluded.expires_in,
			expire_in      = excluded.expire_in,
			acquired_at_ms = excluded.acquired_at_ms,
			updated_at     = excluded.updated_at`,
		account, st.AccessToken, st.RefreshToken, st.ExpiresIn, st.ExpireIn, st.AcquiredAt,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting token state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing token state: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
