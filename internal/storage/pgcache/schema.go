package pgcache

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS enriched_records (
  account_id TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  resource_id TEXT NOT NULL,
  record JSONB NOT NULL,
  partial BOOLEAN NOT NULL DEFAULT FALSE,
  resource_ts TIMESTAMPTZ NOT NULL,
  fetched_at TIMESTAMPTZ NOT NULL,
  stored_at TIMESTAMPTZ NOT NULL,
  ttl_ms BIGINT NOT NULL,
  next_sync_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (account_id, resource_type, resource_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_enriched_records_next_sync_at ON enriched_records(next_sync_at)`,
		`CREATE INDEX IF NOT EXISTS idx_enriched_records_account_ts ON enriched_records(account_id, resource_ts)`,
		`
CREATE TABLE IF NOT EXISTS sync_watermarks (
  account_id TEXT PRIMARY KEY,
  synced_at TIMESTAMPTZ NOT NULL,
  record_count BIGINT NOT NULL DEFAULT 0
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
