package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/OpsBox/internal/models"
	"github.com/pkg/errors"
)

type Store interface {
	Get(ctx context.Context, key models.EnrichmentKey) (*models.CacheEntry, bool, error)
	Put(ctx context.Context, key models.EnrichmentKey, rec *models.EnrichedRecord, ttl time.Duration) error
}

type Enricher interface {
	Enrich(ctx context.Context, acct models.Account, key models.EnrichmentKey, relations []string) (*models.EnrichedRecord, error)
}

type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
)

type Resolution struct {
	Source Source
	Record *models.EnrichedRecord
}

// Resolver решает, откуда отдавать запись: из серверного кэша, из кэша с
// фоновым обновлением (stale-while-revalidate) или живым запросом.
// Недоступный кэш деградирует в режим "всегда live", а не в ошибку.
type Resolver struct {
	store    Store
	enricher Enricher

	entryTTL       time.Duration // TTL written on Put
	refreshTimeout time.Duration

	mu         sync.Mutex
	refreshing map[string]struct{} // keys with a background refresh in flight

	now func() time.Time

	// onRefreshDone is a test hook; nil in production.
	onRefreshDone func(key models.EnrichmentKey, err error)
}

func New(store Store, enricher Enricher, entryTTL time.Duration) *Resolver {
	if entryTTL <= 0 {
		entryTTL = time.Hour
	}
	return &Resolver{
		store:          store,
		enricher:       enricher,
		entryTTL:       entryTTL,
		refreshTimeout: 30 * time.Second,
		refreshing:     map[string]struct{}{},
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Resolve implements the per-key state machine. threshold <= 0 forces the
// live path even when a fresh entry exists ("refresh now").
//
// FRESH: entry younger than threshold -> return it, source=cache.
// STALE: entry exists -> return it immediately, refresh in the background.
// MISS:  no entry -> blocking enrich + put, source=live.
func (r *Resolver) Resolve(ctx context.Context, acct models.Account, key models.EnrichmentKey, threshold time.Duration) (Resolution, error) {
	if threshold > 0 {
		entry, ok, err := r.store.Get(ctx, key)
		if err != nil {
			// CacheUnavailable: кэш лежит — работаем мимо него.
			slog.Warn("server cache get failed, going live", "key", key.String(), "error", err.Error())
		} else if ok {
			if rec := decodeRecord(entry.Value); rec != nil {
				age := r.now().Sub(entry.StoredAt)
				if age < threshold {
					return Resolution{Source: SourceCache, Record: rec}, nil
				}
				r.refreshAsync(acct, key)
				return Resolution{Source: SourceCache, Record: rec}, nil
			}
			slog.Warn("server cache entry is corrupt, going live", "key", key.String())
		}
	}

	rec, err := r.enricher.Enrich(ctx, acct, key, nil)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "enrich")
	}
	if err := r.store.Put(ctx, key, rec, r.entryTTL); err != nil {
		slog.Warn("server cache put failed", "key", key.String(), "error", err.Error())
	}
	return Resolution{Source: SourceLive, Record: rec}, nil
}

// refreshAsync schedules one background enrich+put per key at a time.
func (r *Resolver) refreshAsync(acct models.Account, key models.EnrichmentKey) {
	ks := key.String()

	r.mu.Lock()
	if _, busy := r.refreshing[ks]; busy {
		r.mu.Unlock()
		return
	}
	r.refreshing[ks] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.refreshing, ks)
			r.mu.Unlock()
		}()

		// Отвязываемся от запроса: ответ вызывающему уже ушёл.
		ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
		defer cancel()

		rec, err := r.enricher.Enrich(ctx, acct, key, nil)
		if err == nil {
			err = r.store.Put(ctx, key, rec, r.entryTTL)
		}
		if err != nil {
			slog.Warn("background refresh failed", "key", ks, "error", err.Error())
		}
		if r.onRefreshDone != nil {
			r.onRefreshDone(key, err)
		}
	}()
}

func decodeRecord(b json.RawMessage) *models.EnrichedRecord {
	var rec models.EnrichedRecord
	if json.Unmarshal(b, &rec) != nil || rec.Core == nil {
		return nil
	}
	return &rec
}
