package database

import (
	"context"

	"github.com/flowlens/gateway/internal/core"
)

// ListIndicators loads every admin-managed indicator.
func (s *Store) ListIndicators(ctx context.Context) ([]core.Indicator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, kind, confidence, created_at FROM indicators ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Indicator
	for rows.Next() {
		var ind core.Indicator
		if err := rows.Scan(&ind.ID, &ind.Value, &ind.Kind, &ind.Confidence, &ind.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

// UpsertIndicator creates or replaces one indicator row.
func (s *Store) UpsertIndicator(ctx context.Context, ind core.Indicator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indicators (id, value, kind, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			value = EXCLUDED.value,
			kind = EXCLUDED.kind,
			confidence = EXCLUDED.confidence`,
		ind.ID, ind.Value, ind.Kind, ind.Confidence, ind.CreatedAt)
	return err
}

// DeleteIndicator removes one indicator row.
func (s *Store) DeleteIndicator(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM indicators WHERE id = $1`, id)
	return err
}
