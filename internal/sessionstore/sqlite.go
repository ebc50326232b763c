package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Handle is one persisted row, as listed by the CLI.
type Handle struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SQLiteBackend stores handles in a SQLite table, one row per key.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) a SQLite database at the given path.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_handles (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_handles_expires_at
			ON session_handles(expires_at);
	`)
	return err
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, time.Time, error) {
	var (
		value     string
		expiresAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM session_handles WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return value, time.UnixMilli(expiresAt), nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key, value string, expiresAt time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO session_handles (key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expiresAt.UnixMilli(), time.Now().UnixMilli(),
	)
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM session_handles WHERE key = ?`, key)
	return err
}

// List returns all rows ordered by most recent write first, expired ones included.
func (b *SQLiteBackend) List(ctx context.Context) ([]*Handle, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value, expires_at, updated_at
		 FROM session_handles ORDER BY updated_at DESC, key ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []*Handle
	for rows.Next() {
		var (
			h                    Handle
			expiresAt, updatedAt int64
		)
		if err := rows.Scan(&h.Key, &h.Value, &expiresAt, &updatedAt); err != nil {
			return nil, err
		}
		h.ExpiresAt = time.UnixMilli(expiresAt)
		h.UpdatedAt = time.UnixMilli(updatedAt)
		handles = append(handles, &h)
	}
	return handles, rows.Err()
}

// Purge deletes rows that expired before now and returns how many went.
func (b *SQLiteBackend) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM session_handles WHERE expires_at <= ?`, now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAll removes every row.
func (b *SQLiteBackend) DeleteAll(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM session_handles`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
