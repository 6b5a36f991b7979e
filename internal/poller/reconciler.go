package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/OpsBox/internal/orders"
)

type Fetcher interface {
	GetEnrichedOrders(ctx context.Context, opts orders.GetOpts) (*orders.Result, error)
}

// Notice сигнализирует "появились новые данные", не подсовывая сам payload:
// текущий view пользователя не перерисовывается молча.
type Notice struct {
	NewCount int       `json:"newCount"`
	Delta    int       `json:"delta"`
	At       time.Time `json:"at"`
}

// Reconciler — кооперативный цикл опроса поверх GetEnrichedOrders.
// Два guard'а перед каждым опросом: минимальный зазор с прошлого опроса
// (поглощает быстрые enable/disable) и флаг активного взаимодействия —
// опрос никогда не перебивает выделение или скролл, ждёт тихого окна.
type Reconciler struct {
	fetch Fetcher
	opts  orders.GetOpts

	interval time.Duration
	minGap   time.Duration
	quiet    time.Duration

	interacting        atomic.Bool
	lastInteractedNano atomic.Int64
	lastPollNano       atomic.Int64
	lastCount          atomic.Int64

	noticeCh  chan Notice
	triggerCh chan struct{}

	totalPolls      atomic.Int64
	totalSuppressed atomic.Int64
	totalErrors     atomic.Int64

	now func() time.Time
}

func NewReconciler(fetch Fetcher, opts orders.GetOpts) *Reconciler {
	r := &Reconciler{
		fetch:     fetch,
		opts:      opts,
		interval:  30 * time.Second,
		minGap:    5 * time.Second,
		quiet:     2 * time.Second,
		noticeCh:  make(chan Notice, 1),
		triggerCh: make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
	r.lastCount.Store(-1)
	return r
}

func (r *Reconciler) WithSettings(interval, minGap, quiet time.Duration) *Reconciler {
	if interval > 0 {
		r.interval = interval
	}
	if minGap > 0 {
		r.minGap = minGap
	}
	if quiet > 0 {
		r.quiet = quiet
	}
	return r
}

// SetInteracting marks the start/end of a user interaction (selection,
// scroll). While set, polls are suppressed; after clearing, polls stay
// suppressed for the quiet period.
func (r *Reconciler) SetInteracting(v bool) {
	r.interacting.Store(v)
	if !v {
		r.lastInteractedNano.Store(r.now().UnixNano())
	}
}

// Notices delivers at most one pending notice; новые перетирают старые.
func (r *Reconciler) Notices() <-chan Notice {
	return r.noticeCh
}

// Trigger forces a poll attempt (still subject to the guards).
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type ReconcilerStats struct {
	TotalPolls      int64 `json:"totalPolls"`
	TotalSuppressed int64 `json:"totalSuppressed"`
	TotalErrors     int64 `json:"totalErrors"`
	LastCount       int64 `json:"lastCount"`
}

func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		TotalPolls:      r.totalPolls.Load(),
		TotalSuppressed: r.totalSuppressed.Load(),
		TotalErrors:     r.totalErrors.Load(),
		LastCount:       r.lastCount.Load(),
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

// runOnce performs one guarded poll. Returns true when the poll actually ran.
func (r *Reconciler) runOnce(ctx context.Context) bool {
	now := r.now()

	if last := r.lastPollNano.Load(); last > 0 && now.Sub(time.Unix(0, last)) < r.minGap {
		r.totalSuppressed.Add(1)
		return false
	}
	if r.interacting.Load() {
		r.totalSuppressed.Add(1)
		return false
	}
	if last := r.lastInteractedNano.Load(); last > 0 && now.Sub(time.Unix(0, last)) < r.quiet {
		r.totalSuppressed.Add(1)
		return false
	}

	r.lastPollNano.Store(now.UnixNano())
	r.totalPolls.Add(1)

	res, err := r.fetch.GetEnrichedOrders(ctx, r.opts)
	if err != nil {
		r.totalErrors.Add(1)
		slog.Warn("reconcile poll", "error", err.Error())
		return true
	}

	count := int64(len(res.Records))
	prev := r.lastCount.Swap(count)
	if prev >= 0 && count > prev {
		n := Notice{NewCount: int(count), Delta: int(count - prev), At: now}
		// Неблокирующая отправка: непрочитанное уведомление заменяем свежим.
		select {
		case r.noticeCh <- n:
		default:
			select {
			case <-r.noticeCh:
			default:
			}
			select {
			case r.noticeCh <- n:
			default:
			}
		}
	}
	return true
}
