package store

import (
	"context"
	"encoding/json"
)

// AppendEvent inserts one event. The bigserial id gives a total order per
// run even when timestamps tie.
func (s *Store) AppendEvent(ctx context.Context, runID, level, kind string, iteration *int, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		body = []byte(`{}`)
	}
	var e Event
	e.Payload = body
	err = s.pool.QueryRow(ctx, `
		INSERT INTO events (run_id, level, kind, iteration, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, run_id, ts, level, kind, iteration`,
		runID, level, kind, iteration, body).
		Scan(&e.ID, &e.RunID, &e.TS, &e.Level, &e.Kind, &e.Iteration)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns a run's events with id greater than afterID, oldest
// first. afterID=0 returns the full stream; limit<=0 means no limit.
func (s *Store) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]Event, error) {
	q := `SELECT id, run_id, ts, level, kind, iteration, payload
		FROM events WHERE run_id = $1 AND id > $2 ORDER BY id`
	args := []any{runID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.TS, &e.Level, &e.Kind, &e.Iteration, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
