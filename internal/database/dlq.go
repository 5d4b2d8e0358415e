package database

import (
	"context"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// Append parks one failed export batch.
func (s *Store) Append(ctx context.Context, e core.DLQEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq (id, target, payload, attempts, first_attempt,
		                 last_attempt, next_eligible, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Target, e.Payload, e.Attempts, e.FirstAttempt,
		e.LastAttempt, e.NextEligible, e.LastError)
	return err
}

// Eligible returns entries due for replay, oldest first.
func (s *Store) Eligible(ctx context.Context, now time.Time, limit int) ([]core.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, payload, attempts, first_attempt,
		       last_attempt, next_eligible, last_error
		FROM dlq WHERE next_eligible <= $1
		ORDER BY next_eligible LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DLQEntry
	for rows.Next() {
		var e core.DLQEntry
		if err := rows.Scan(&e.ID, &e.Target, &e.Payload, &e.Attempts,
			&e.FirstAttempt, &e.LastAttempt, &e.NextEligible, &e.LastError); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Update rewrites replay metadata after a failed redelivery.
func (s *Store) Update(ctx context.Context, e core.DLQEntry) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq SET attempts = $2, last_attempt = $3,
		               next_eligible = $4, last_error = $5
		WHERE id = $1`,
		e.ID, e.Attempts, e.LastAttempt, e.NextEligible, e.LastError)
	return err
}

// Delete removes one redelivered entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dlq WHERE id = $1`, id)
	return err
}

// PurgeBefore drops entries whose first attempt predates the cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq WHERE first_attempt < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Depth counts parked entries.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq`).Scan(&n)
	return n, err
}
