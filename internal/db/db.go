package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the PostgreSQL connection pool.
type DB struct {
	*sql.DB
}

// New opens a PostgreSQL connection via lib/pq and verifies it.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS renders (
		id                 UUID PRIMARY KEY,
		provider           TEXT NOT NULL,
		script             TEXT NOT NULL,
		source_url         TEXT NOT NULL,
		voice_id           TEXT,
		use_speech         BOOLEAN NOT NULL DEFAULT FALSE,
		status             TEXT NOT NULL DEFAULT 'queued',
		remote_job_id      TEXT,
		result_url         TEXT,
		video_storage_path TEXT,
		audio_storage_path TEXT,
		error_code         TEXT,
		error_message      TEXT,
		attempts           INTEGER NOT NULL DEFAULT 0,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		started_at         TIMESTAMPTZ,
		finished_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS renders_status_created_idx ON renders (status, created_at DESC);
`

// EnsureSchema creates the renders table when it does not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
