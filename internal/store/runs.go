package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a run, event, or artifact does not exist.
var ErrNotFound = errors.New("not found")

const runColumns = `id, status, created_at, started_at, finished_at, idempotency_key,
	repo_url, repo_ref, git_sha, work_order, work_order_body, params, iteration,
	writeback, rq_job_id, result_summary, error, artifact_root`

// NewRun is the input to CreateRun.
type NewRun struct {
	IdempotencyKey *string
	RepoURL        string
	RepoRef        string
	WorkOrder      json.RawMessage
	WorkOrderBody  string
	Params         Params
	Writeback      *Writeback
	ArtifactRoot   string
}

// CreateRun inserts a PENDING run and its RUN_CREATED event in one
// transaction; a run row never exists without that first event. When the
// idempotency key collides, the existing run is returned unchanged.
func (s *Store) CreateRun(ctx context.Context, in NewRun) (*Run, error) {
	id := ulid.Make().String()
	params, err := json.Marshal(in.Params)
	if err != nil {
		return nil, err
	}
	var writeback []byte
	if in.Writeback != nil {
		if writeback, err = json.Marshal(in.Writeback); err != nil {
			return nil, err
		}
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runs (id, idempotency_key, repo_url, repo_ref, work_order,
				work_order_body, params, writeback, artifact_root)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, in.IdempotencyKey, in.RepoURL, in.RepoRef, in.WorkOrder,
			in.WorkOrderBody, params, writeback, nullable(in.ArtifactRoot))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (run_id, level, kind, payload)
			VALUES ($1, $2, $3, $4)`,
			id, LevelInfo, KindRunCreated, []byte(`{}`))
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if in.IdempotencyKey != nil && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.getRunByIdempotencyKey(ctx, *in.IdempotencyKey)
		}
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

func (s *Store) getRunByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = $1`, key))
}

func (s *Store) scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var params []byte
	var writeback []byte
	err := row.Scan(&r.ID, &r.Status, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		&r.IdempotencyKey, &r.RepoURL, &r.RepoRef, &r.GitSHA, &r.WorkOrder,
		&r.WorkOrderBody, &params, &r.Iteration, &writeback, &r.RQJobID,
		&r.ResultSummary, &r.Error, &r.ArtifactRoot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return nil, err
		}
	}
	if len(writeback) > 0 {
		r.Writeback = &Writeback{}
		if err := json.Unmarshal(writeback, r.Writeback); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// MarkRunning transitions PENDING → RUNNING. It returns false without error
// when the run is no longer PENDING (canceled before pickup, or a duplicate
// delivery).
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`,
		id, StatusRunning, time.Now().UTC(), StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRun transitions RUNNING → SUCCEEDED|FAILED and records the outcome
// with its RUN_END event in one transaction.
func (s *Store) FinishRun(ctx context.Context, id, status, resultSummary string, errPayload json.RawMessage) error {
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	level := LevelInfo
	if status == StatusFailed {
		level = LevelError
	}
	payload := errPayload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runs SET status = $2, finished_at = $3, result_summary = $4, error = $5
			WHERE id = $1 AND status = $6`,
			id, status, time.Now().UTC(), nullable(resultSummary), errPayload, StatusRunning)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("run %s is not RUNNING", id)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (run_id, level, kind, payload) VALUES ($1, $2, $3, $4)`,
			id, level, KindRunEnd, payload)
		return err
	})
}

// CancelRun atomically flips a PENDING or RUNNING run to CANCELED. It
// reports whether this call performed the flip.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	var flipped bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runs SET status = $2, finished_at = $3
			WHERE id = $1 AND status IN ($4, $5)`,
			id, StatusCanceled, time.Now().UTC(), StatusPending, StatusRunning)
		if err != nil {
			return err
		}
		flipped = tag.RowsAffected() == 1
		if !flipped {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (run_id, level, kind, payload) VALUES ($1, $2, $3, $4)`,
			id, LevelWarn, KindRunCanceled, []byte(`{}`))
		return err
	})
	return flipped, err
}

// SetGitSHA records the cloned HEAD.
func (s *Store) SetGitSHA(ctx context.Context, id, sha string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET git_sha = $2 WHERE id = $1`, id, sha)
	return err
}

// SetArtifactRoot records where the run's artifacts live on disk.
func (s *Store) SetArtifactRoot(ctx context.Context, id, root string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET artifact_root = $2 WHERE id = $1`, id, root)
	return err
}

// SetIteration updates the iteration counter.
func (s *Store) SetIteration(ctx context.Context, id string, iteration int) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET iteration = $2 WHERE id = $1`, id, iteration)
	return err
}

// SetRQJobID records the queue job id backing this run.
func (s *Store) SetRQJobID(ctx context.Context, id, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET rq_job_id = $2 WHERE id = $1`, id, jobID)
	return err
}
