package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/avatarcast/internal/models"
	"github.com/google/uuid"
)

const renderColumns = `
	id, provider, script, source_url, voice_id, use_speech, status,
	remote_job_id, result_url, video_storage_path, audio_storage_path,
	error_code, error_message, attempts, metadata,
	started_at, finished_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRender(row rowScanner, r *models.Render) error {
	return row.Scan(
		&r.ID, &r.Provider, &r.Script, &r.SourceURL, &r.VoiceID, &r.UseSpeech, &r.Status,
		&r.RemoteJobID, &r.ResultURL, &r.VideoStoragePath, &r.AudioStoragePath,
		&r.ErrorCode, &r.ErrorMessage, &r.Attempts, &r.Metadata,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
}

func (db *DB) CreateRender(ctx context.Context, r *models.Render) error {
	query := `
		INSERT INTO renders (
			id, provider, script, source_url, voice_id, use_speech, status, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		r.ID, r.Provider, r.Script, r.SourceURL, r.VoiceID, r.UseSpeech, r.Status, r.Metadata,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (db *DB) GetRender(ctx context.Context, id uuid.UUID) (*models.Render, error) {
	query := `SELECT ` + renderColumns + ` FROM renders WHERE id = $1`

	r := &models.Render{}
	err := scanRender(db.QueryRowContext(ctx, query, id), r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("render %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render: %w", err)
	}

	return r, nil
}

// ListRenders returns renders ordered by creation date (newest first).
// Supports optional status filter, limit, and offset for pagination.
func (db *DB) ListRenders(ctx context.Context, status string, limit, offset int) ([]models.Render, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `SELECT ` + renderColumns + ` FROM renders`

	if status != "" {
		query := baseSelect + ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = db.QueryContext(ctx, query, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list renders: %w", err)
	}
	defer rows.Close()

	renders := []models.Render{}
	for rows.Next() {
		var r models.Render
		if err := scanRender(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan render: %w", err)
		}
		renders = append(renders, r)
	}

	return renders, rows.Err()
}

// CountRenders returns the total number of renders, optionally filtered by status.
func (db *DB) CountRenders(ctx context.Context, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM renders WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM renders`).Scan(&count)
	return count, err
}

// MarkRenderStarted moves a render to submitting and counts the attempt.
func (db *DB) MarkRenderStarted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE renders
		SET status = $1, attempts = attempts + 1, started_at = NOW(),
			error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2
	`
	return db.exec(ctx, query, models.RenderStatusSubmitting, id)
}

// SetRenderAudio records where the synthesized speech was stored.
func (db *DB) SetRenderAudio(ctx context.Context, id uuid.UUID, storagePath string) error {
	query := `UPDATE renders SET audio_storage_path = $1, updated_at = NOW() WHERE id = $2`
	return db.exec(ctx, query, storagePath, id)
}

// SetRenderRemoteJob records the provider's job id and moves the render to polling.
func (db *DB) SetRenderRemoteJob(ctx context.Context, id uuid.UUID, remoteJobID string) error {
	query := `
		UPDATE renders
		SET remote_job_id = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`
	return db.exec(ctx, query, remoteJobID, models.RenderStatusPolling, id)
}

// SetRenderResult completes a render. videoStoragePath is nil when the
// video was not mirrored.
func (db *DB) SetRenderResult(ctx context.Context, id uuid.UUID, resultURL string, videoStoragePath *string, metadata models.JSONB) error {
	query := `
		UPDATE renders
		SET status = $1, result_url = $2, video_storage_path = $3,
			metadata = metadata || $4::jsonb, finished_at = NOW(), updated_at = NOW()
		WHERE id = $5
	`
	return db.exec(ctx, query, models.RenderStatusCompleted, resultURL, videoStoragePath, metadata, id)
}

// SetRenderError fails a render with a machine-readable code.
func (db *DB) SetRenderError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `
		UPDATE renders
		SET status = $1, error_code = $2, error_message = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`
	return db.exec(ctx, query, models.RenderStatusFailed, errorCode, errorMessage, id)
}

// exec runs an update that must touch exactly one render.
func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update render: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update render: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("render: %w", ErrNotFound)
	}
	return nil
}
