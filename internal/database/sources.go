package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/flowlens/gateway/internal/core"
)

// ListSources loads every registered source.
func (s *Store) ListSources(ctx context.Context) ([]core.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, type, origin_type, collector, status,
		       allowed_ips, max_eps, block_on_exceed, last_seen, created_at
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Source
	for rows.Next() {
		var src core.Source
		var status string
		var lastSeen sql.NullTime
		if err := rows.Scan(&src.ID, &src.TenantID, &src.Name, &src.Type,
			&src.OriginType, &src.Collector, &status, pq.Array(&src.AllowedIPs),
			&src.MaxEPS, &src.BlockOnExceed, &lastSeen, &src.CreatedAt); err != nil {
			return nil, err
		}
		src.Status = core.SourceStatus(status)
		if lastSeen.Valid {
			src.LastSeen = lastSeen.Time
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpsertSource creates or replaces one source row.
func (s *Store) UpsertSource(ctx context.Context, src core.Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, tenant_id, name, type, origin_type, collector,
		                     status, allowed_ips, max_eps, block_on_exceed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			origin_type = EXCLUDED.origin_type,
			collector = EXCLUDED.collector,
			status = EXCLUDED.status,
			allowed_ips = EXCLUDED.allowed_ips,
			max_eps = EXCLUDED.max_eps,
			block_on_exceed = EXCLUDED.block_on_exceed`,
		src.ID, src.TenantID, src.Name, src.Type, src.OriginType, src.Collector,
		string(src.Status), pq.Array(src.AllowedIPs), src.MaxEPS, src.BlockOnExceed,
		src.CreatedAt)
	return err
}

// DeleteSource removes one source row.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	return err
}

// TouchSource persists last-seen activity.
func (s *Store) TouchSource(ctx context.Context, id string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_seen = $2 WHERE id = $1`, id, seen)
	return err
}
