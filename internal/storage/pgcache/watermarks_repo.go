package pgcache

import (
	"context"
	"time"

	"github.com/BearBump/OpsBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) GetWatermark(ctx context.Context, accountID string) (*models.SyncWatermark, bool, error) {
	var w models.SyncWatermark
	w.AccountID = accountID
	err := s.db.QueryRow(ctx, `
SELECT synced_at, record_count FROM sync_watermarks WHERE account_id = $1
`, accountID).Scan(&w.SyncedAt, &w.RecordCount)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select watermark")
	}
	w.SyncedAt = w.SyncedAt.UTC()
	return &w, true, nil
}

// UpsertWatermark records a completed sync pass. record_count only moves
// forward: заказ с маркетплейса не исчезает, а гонка двух проходов не должна
// откатывать счётчик.
func (s *Storage) UpsertWatermark(ctx context.Context, accountID string, syncedAt time.Time, recordCount int64) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO sync_watermarks (account_id, synced_at, record_count)
VALUES ($1, $2, $3)
ON CONFLICT (account_id)
DO UPDATE SET
  synced_at = EXCLUDED.synced_at,
  record_count = GREATEST(sync_watermarks.record_count, EXCLUDED.record_count)
`, accountID, syncedAt.UTC(), recordCount)
	return errors.Wrap(err, "upsert watermark")
}

// CountByAccount counts live (non-expired) cached records for the account.
func (s *Storage) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT count(*) FROM enriched_records
WHERE account_id = $1
  AND stored_at + make_interval(secs => ttl_ms / 1000.0) > now()
`, accountID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	return n, nil
}
