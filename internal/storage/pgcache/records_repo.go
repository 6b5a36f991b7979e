package pgcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/OpsBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Get returns the cached entry for one key, if present. Expired entries are
// returned as absent and purged opportunistically.
func (s *Storage) Get(ctx context.Context, key models.EnrichmentKey) (*models.CacheEntry, bool, error) {
	var (
		record   []byte
		storedAt time.Time
		ttlMs    int64
	)
	err := s.db.QueryRow(ctx, `
SELECT record, stored_at, ttl_ms
FROM enriched_records
WHERE account_id = $1 AND resource_type = $2 AND resource_id = $3
`, key.AccountID, key.ResourceType, key.ResourceID).Scan(&record, &storedAt, &ttlMs)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select record")
	}

	entry := &models.CacheEntry{
		Key:      key,
		Value:    record,
		StoredAt: storedAt.UTC(),
		TTL:      time.Duration(ttlMs) * time.Millisecond,
	}
	if entry.Expired(time.Now().UTC()) {
		_, _ = s.db.Exec(ctx, `
DELETE FROM enriched_records
WHERE account_id = $1 AND resource_type = $2 AND resource_id = $3
`, key.AccountID, key.ResourceType, key.ResourceID)
		return nil, false, nil
	}
	return entry, true, nil
}

// Put overwrites wholesale: last write wins, по замыслу. Два конкурентных
// sync'а одного ключа не мёржатся — редкий откат полноты лечится следующим
// проходом синхронизации.
func (s *Storage) Put(ctx context.Context, key models.EnrichmentKey, rec *models.EnrichedRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
INSERT INTO enriched_records (
  account_id, resource_type, resource_id,
  record, partial, resource_ts, fetched_at, stored_at, ttl_ms, next_sync_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (account_id, resource_type, resource_id)
DO UPDATE SET
  record = EXCLUDED.record,
  partial = EXCLUDED.partial,
  resource_ts = EXCLUDED.resource_ts,
  fetched_at = EXCLUDED.fetched_at,
  stored_at = EXCLUDED.stored_at,
  ttl_ms = EXCLUDED.ttl_ms,
  next_sync_at = EXCLUDED.next_sync_at
`, key.AccountID, key.ResourceType, key.ResourceID,
		b, rec.Partial, resourceTimestamp(rec), rec.FetchedAt.UTC(), now,
		ttl.Milliseconds(), now.Add(ttl))
	return errors.Wrap(err, "upsert record")
}

// ListByAccounts reads the cached records of the given accounts whose
// resource timestamp falls in [from, to]. Expired rows are skipped.
func (s *Storage) ListByAccounts(ctx context.Context, accountIDs []string, from, to time.Time) ([]*models.EnrichedRecord, error) {
	if len(accountIDs) == 0 {
		return []*models.EnrichedRecord{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT record
FROM enriched_records
WHERE account_id = ANY($1)
  AND resource_ts >= $2 AND resource_ts <= $3
  AND stored_at + make_interval(secs => ttl_ms / 1000.0) > now()
ORDER BY resource_ts DESC
`, accountIDs, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select records")
	}
	defer rows.Close()

	var out []*models.EnrichedRecord
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		var rec models.EnrichedRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshal record")
		}
		out = append(out, &rec)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListStale returns the keys of an account whose entries are older than the
// threshold.
func (s *Storage) ListStale(ctx context.Context, accountID string, threshold time.Duration) ([]models.EnrichmentKey, error) {
	rows, err := s.db.Query(ctx, `
SELECT account_id, resource_type, resource_id
FROM enriched_records
WHERE account_id = $1 AND stored_at <= $2
ORDER BY stored_at ASC
`, accountID, time.Now().UTC().Add(-threshold))
	if err != nil {
		return nil, errors.Wrap(err, "select stale keys")
	}
	defer rows.Close()

	return scanKeys(rows)
}

// ClaimStale выбирает пачку записей, готовых к фоновой пересинхронизации, и
// "бронирует" их через lease, чтобы соседний воркер не взял те же ключи.
// SELECT ... FOR UPDATE SKIP LOCKED, как и положено очереди на Postgres.
func (s *Storage) ClaimStale(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.EnrichmentKey, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT account_id, resource_type, resource_id
FROM enriched_records
WHERE next_sync_at <= $1
ORDER BY next_sync_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due records")
	}
	picked, err := scanKeys(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	leaseUntil := now.UTC().Add(lease)
	for _, k := range picked {
		_, err := tx.Exec(ctx, `
UPDATE enriched_records SET next_sync_at = $4
WHERE account_id = $1 AND resource_type = $2 AND resource_id = $3
`, k.AccountID, k.ResourceType, k.ResourceID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease record")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// Postpone pushes a record's next sync further out (worker backoff).
func (s *Storage) Postpone(ctx context.Context, key models.EnrichmentKey, until time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE enriched_records SET next_sync_at = $4
WHERE account_id = $1 AND resource_type = $2 AND resource_id = $3
`, key.AccountID, key.ResourceType, key.ResourceID, until.UTC())
	return errors.Wrap(err, "postpone record")
}

func scanKeys(rows pgx.Rows) ([]models.EnrichmentKey, error) {
	var out []models.EnrichmentKey
	for rows.Next() {
		var k models.EnrichmentKey
		if err := rows.Scan(&k.AccountID, &k.ResourceType, &k.ResourceID); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		out = append(out, k)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// resourceTimestamp: дата самого ресурса (created_at из core), чтобы батчи по
// диапазону дат фильтровались по бизнес-времени, а не по времени фетча.
func resourceTimestamp(rec *models.EnrichedRecord) time.Time {
	var core struct {
		CreatedAt time.Time `json:"created_at"`
	}
	if json.Unmarshal(rec.Core, &core) == nil && !core.CreatedAt.IsZero() {
		return core.CreatedAt.UTC()
	}
	return rec.FetchedAt.UTC()
}
