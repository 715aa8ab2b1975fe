package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelier-ai/kiln/internal/model"
)

// InsertImages bulk-inserts the candidates of one synthesis fan-out.
// Uses COPY for efficiency.
func (db *DB) InsertImages(ctx context.Context, images []model.GeneratedImage) error {
	if len(images) == 0 {
		return nil
	}

	rows := make([][]any, len(images))
	for i, img := range images {
		if img.CreatedAt.IsZero() {
			img.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{
			img.ID, img.RequestID, img.OrgID, img.IterationNumber,
			img.StorageKey, img.URL, img.PromptUsed, img.GenerationParams,
			img.Width, img.Height, img.MimeType, img.FileSizeBytes, img.CreatedAt,
		}
	}

	_, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"generated_images"},
		[]string{
			"id", "request_id", "org_id", "iteration_number",
			"storage_key", "url", "prompt_used", "generation_params",
			"width", "height", "mime_type", "file_size_bytes", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: insert images: %w", err)
	}
	return nil
}

// GetImage retrieves a single image by ID, scoped to the given org.
func (db *DB) GetImage(ctx context.Context, orgID, id uuid.UUID) (model.GeneratedImage, error) {
	var img model.GeneratedImage
	err := db.pool.QueryRow(ctx,
		`SELECT id, request_id, org_id, iteration_number, storage_key, url, prompt_used, generation_params,
		        width, height, mime_type, file_size_bytes, created_at
		 FROM generated_images WHERE id = $1 AND org_id = $2`,
		id, orgID,
	).Scan(
		&img.ID, &img.RequestID, &img.OrgID, &img.IterationNumber,
		&img.StorageKey, &img.URL, &img.PromptUsed, &img.GenerationParams,
		&img.Width, &img.Height, &img.MimeType, &img.FileSizeBytes, &img.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GeneratedImage{}, ErrNotFound
		}
		return model.GeneratedImage{}, fmt.Errorf("storage: get image: %w", err)
	}
	return img, nil
}

// ListImages returns a request's candidates, optionally narrowed to one
// iteration, ordered by iteration then creation time.
func (db *DB) ListImages(ctx context.Context, orgID, requestID uuid.UUID, iteration *int) ([]model.GeneratedImage, error) {
	query := `SELECT id, request_id, org_id, iteration_number, storage_key, url, prompt_used, generation_params,
	                 width, height, mime_type, file_size_bytes, created_at
	          FROM generated_images WHERE request_id = $1 AND org_id = $2`
	args := []any{requestID, orgID}
	if iteration != nil {
		query += ` AND iteration_number = $3`
		args = append(args, *iteration)
	}
	query += ` ORDER BY iteration_number ASC, created_at ASC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list images: %w", err)
	}
	defer rows.Close()

	var images []model.GeneratedImage
	for rows.Next() {
		var img model.GeneratedImage
		if err := rows.Scan(
			&img.ID, &img.RequestID, &img.OrgID, &img.IterationNumber,
			&img.StorageKey, &img.URL, &img.PromptUsed, &img.GenerationParams,
			&img.Width, &img.Height, &img.MimeType, &img.FileSizeBytes, &img.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}
