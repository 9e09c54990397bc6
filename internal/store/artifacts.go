package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// AddArtifact indexes one on-disk artifact. Re-registering the same name for
// a run replaces the index entry; the bytes on disk are append-only.
func (s *Store) AddArtifact(ctx context.Context, a Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (run_id, name, path, content_type, bytes, sha256)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, name) DO UPDATE
		SET path = EXCLUDED.path, content_type = EXCLUDED.content_type,
			bytes = EXCLUDED.bytes, sha256 = EXCLUDED.sha256`,
		a.RunID, a.Name, a.Path, a.ContentType, a.Bytes, a.SHA256)
	return err
}

// GetArtifact looks up one artifact by run and name.
func (s *Store) GetArtifact(ctx context.Context, runID, name string) (*Artifact, error) {
	var a Artifact
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, name, path, content_type, bytes, sha256, created_at
		FROM artifacts WHERE run_id = $1 AND name = $2`, runID, name).
		Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.ContentType, &a.Bytes, &a.SHA256, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns a run's artifact index, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, name, path, content_type, bytes, sha256, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.ContentType, &a.Bytes, &a.SHA256, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
