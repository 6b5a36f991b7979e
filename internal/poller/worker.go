package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/OpsBox/internal/broker/messages"
	"github.com/BearBump/OpsBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimStale(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.EnrichmentKey, error)
	Put(ctx context.Context, key models.EnrichmentKey, rec *models.EnrichedRecord, ttl time.Duration) error
	Postpone(ctx context.Context, key models.EnrichmentKey, until time.Time) error
	CountByAccount(ctx context.Context, accountID string) (int64, error)
	UpsertWatermark(ctx context.Context, accountID string, syncedAt time.Time, recordCount int64) error
}

type Enricher interface {
	Enrich(ctx context.Context, acct models.Account, key models.EnrichmentKey, relations []string) (*models.EnrichedRecord, error)
}

type Accounts interface {
	Token(ctx context.Context, accountID string) (string, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// SyncWorker — фоновая пересинхронизация серверного кэша: забирает
// протухшие записи, заново обогащает и раскладывает обратно, оповещая
// API-реплики через Kafka.
type SyncWorker struct {
	repo     Repository
	enricher Enricher
	accounts Accounts
	producer Producer

	topic string

	planner *Planner

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration

	triggerCh chan struct{}

	failMu     sync.Mutex
	failCounts map[string]int32

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewSyncWorker(repo Repository, enricher Enricher, accounts Accounts, producer Producer, topic string) *SyncWorker {
	return &SyncWorker{
		repo: repo, enricher: enricher, accounts: accounts, producer: producer, topic: topic,
		planner:           DefaultPlanner(),
		pollInterval:      5 * time.Second,
		batchSize:         100,
		concurrency:       10,
		lease:             120 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		failCounts:        map[string]int32{},
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *SyncWorker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration) *SyncWorker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	return w
}

func (w *SyncWorker) WithPlanner(cfg PlannerConfig) *SyncWorker {
	w.planner = NewPlanner(cfg, nil)
	return w
}

// Trigger forces an immediate sync cycle (best-effort, non-blocking).
func (w *SyncWorker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type WorkerStats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *SyncWorker) Stats() WorkerStats {
	st := WorkerStats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *SyncWorker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *SyncWorker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	keys, err := w.repo.ClaimStale(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim stale records", "error", err.Error())
		w.setLastError(err)
		return
	}
	w.totalClaimed.Add(int64(len(keys)))

	touched := map[string]struct{}{}
	var touchedMu sync.Mutex

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, k := range keys {
		sem <- struct{}{}
		wg.Add(1)
		key := k
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, key); err != nil {
				w.totalErrors.Add(1)
				w.setLastError(err)
				slog.Error("sync record", "key", key.String(), "error", err.Error())
			} else {
				touchedMu.Lock()
				touched[key.AccountID] = struct{}{}
				touchedMu.Unlock()
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()

	for accountID := range touched {
		count, err := w.repo.CountByAccount(ctx, accountID)
		if err != nil {
			slog.Error("count records", "account_id", accountID, "error", err.Error())
			continue
		}
		if err := w.repo.UpsertWatermark(ctx, accountID, time.Now().UTC(), count); err != nil {
			slog.Error("upsert watermark", "account_id", accountID, "error", err.Error())
		}
	}
}

func (w *SyncWorker) processOne(ctx context.Context, key models.EnrichmentKey) error {
	now := time.Now().UTC()

	token, err := w.accounts.Token(ctx, key.AccountID)
	if err != nil {
		w.postponeWithBackoff(ctx, key, now)
		return errors.Wrap(err, "account token")
	}

	rec, err := w.enricher.Enrich(ctx, models.Account{ID: key.AccountID, Token: token}, key, nil)
	if err != nil {
		w.postponeWithBackoff(ctx, key, now)
		return errors.Wrap(err, "enrich")
	}
	w.resetFailCount(key)

	ttl := w.planner.RecordTTL(coreStatus(rec.Core), rec.Partial)
	if err := w.repo.Put(ctx, key, rec, ttl); err != nil {
		return errors.Wrap(err, "put record")
	}

	msg := messages.RecordSynced{
		AccountID:    key.AccountID,
		ResourceType: key.ResourceType,
		ResourceID:   key.ResourceID,
		Partial:      rec.Partial,
		SyncedAt:     now,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	// Kafka может быть не готова сразу после старта docker compose.
	// Для устойчивости делаем небольшой retry.
	var pubErr error
	for i := 0; i < 10; i++ {
		if err := w.producer.Publish(ctx, w.topic, []byte(key.String()), b); err == nil {
			pubErr = nil
			break
		} else {
			pubErr = err
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	return pubErr
}

func (w *SyncWorker) postponeWithBackoff(ctx context.Context, key models.EnrichmentKey, now time.Time) {
	w.failMu.Lock()
	w.failCounts[key.String()]++
	n := w.failCounts[key.String()]
	w.failMu.Unlock()

	if err := w.repo.Postpone(ctx, key, now.Add(w.planner.BackoffDelay(n))); err != nil {
		slog.Error("postpone record", "key", key.String(), "error", err.Error())
	}
}

func (w *SyncWorker) resetFailCount(key models.EnrichmentKey) {
	w.failMu.Lock()
	delete(w.failCounts, key.String())
	w.failMu.Unlock()
}

func (w *SyncWorker) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

func coreStatus(core json.RawMessage) string {
	var s struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(core, &s) != nil {
		return ""
	}
	return s.Status
}
