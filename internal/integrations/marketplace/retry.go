package marketplace

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the one place retry/backoff decisions live; every client
// implementation and the merger share it instead of re-rolling their own.
// Transient errors get MaxTransientRetries immediate retries with jitter.
// NotFound, Unauthorized and RateLimited are never retried here.
type RetryPolicy struct {
	MaxTransientRetries int
	Jitter              time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTransientRetries: 1,
		Jitter:              150 * time.Millisecond,
	}
}

func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= p.MaxTransientRetries {
			return err
		}
		d := time.Duration(0)
		if p.Jitter > 0 {
			d = time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		sleep(ctx, d)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
