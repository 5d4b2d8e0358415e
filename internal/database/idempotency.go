package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/flowlens/gateway/internal/idempotency"
)

// GetResponse reads one stored idempotency response. Misses and expired rows
// return nil, nil.
func (s *Store) GetResponse(ctx context.Context, key string) (*idempotency.Response, error) {
	var resp idempotency.Response
	err := s.db.QueryRowContext(ctx,
		`SELECT status, body, created_at FROM idempotency WHERE key = $1`, key).
		Scan(&resp.Status, &resp.Body, &resp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutResponse stores one idempotency response. The TTL is enforced by
// PurgeIdempotencyBefore rather than per-row.
func (s *Store) PutResponse(ctx context.Context, key string, resp idempotency.Response, _ time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, status, body, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, resp.Status, resp.Body, resp.CreatedAt)
	return err
}

// PurgeIdempotencyBefore removes responses older than the cutoff.
func (s *Store) PurgeIdempotencyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
