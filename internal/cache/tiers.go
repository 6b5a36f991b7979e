package cache

import (
	"context"
	"log/slog"
	"time"
)

// Tiers chains the in-memory and persistent tiers. Reads try memory first and
// promote persistent hits; writes go to both. Tier errors are best-effort:
// a broken tier degrades to a miss, never to a failed request.
type Tiers struct {
	mem     BytesCache
	pers    BytesCache
	memTTL  time.Duration
	persTTL time.Duration
}

func NewTiers(mem, pers BytesCache, memTTL, persTTL time.Duration) *Tiers {
	return &Tiers{mem: mem, pers: pers, memTTL: memTTL, persTTL: persTTL}
}

func (t *Tiers) Get(ctx context.Context, ks Keyset) ([]byte, bool) {
	key := ks.Key()

	if t.mem != nil {
		b, ok, err := t.mem.Get(ctx, key)
		if err != nil {
			slog.Warn("memory tier get", "key", key, "error", err.Error())
		} else if ok {
			return b, true
		}
	}

	if t.pers != nil {
		b, ok, err := t.pers.Get(ctx, key)
		if err != nil {
			slog.Warn("persistent tier get", "key", key, "error", err.Error())
			return nil, false
		}
		if ok {
			// Продвигаем в память, чтобы следующее чтение не ходило дальше.
			if t.mem != nil {
				_ = t.mem.Set(ctx, key, b, t.memTTL)
			}
			return b, true
		}
	}

	return nil, false
}

func (t *Tiers) Set(ctx context.Context, ks Keyset, value []byte) {
	key := ks.Key()
	if t.mem != nil {
		if err := t.mem.Set(ctx, key, value, t.memTTL); err != nil {
			slog.Warn("memory tier set", "key", key, "error", err.Error())
		}
	}
	if t.pers != nil {
		if err := t.pers.Set(ctx, key, value, t.persTTL); err != nil {
			slog.Warn("persistent tier set", "key", key, "error", err.Error())
		}
	}
}

// Invalidate drops every cached keyset that includes any of the accounts.
func (t *Tiers) Invalidate(ctx context.Context, accountIDs []string) {
	for _, id := range accountIDs {
		pattern := AccountPattern(id)
		if t.mem != nil {
			if err := t.mem.Invalidate(ctx, pattern); err != nil {
				slog.Warn("memory tier invalidate", "account_id", id, "error", err.Error())
			}
		}
		if t.pers != nil {
			if err := t.pers.Invalidate(ctx, pattern); err != nil {
				slog.Warn("persistent tier invalidate", "account_id", id, "error", err.Error())
			}
		}
	}
}
