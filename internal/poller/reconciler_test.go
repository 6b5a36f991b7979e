package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/OpsBox/internal/models"
	"github.com/BearBump/OpsBox/internal/orders"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	records int
	err     error
}

func (f *fakeFetcher) GetEnrichedOrders(ctx context.Context, opts orders.GetOpts) (*orders.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	recs := make([]*models.EnrichedRecord, f.records)
	for i := range recs {
		recs[i] = &models.EnrichedRecord{}
	}
	return &orders.Result{Records: recs, Source: "cache"}, nil
}

func (f *fakeFetcher) setRecords(n int) {
	f.mu.Lock()
	f.records = n
	f.mu.Unlock()
}

func newTestReconciler(f *fakeFetcher) *Reconciler {
	r := NewReconciler(f, orders.GetOpts{AccountIDs: []string{"acc-1"}})
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	// каждый вызов now() сдвигает часы на 10s, чтобы minGap не мешал тестам
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 10 * time.Second)
	}
	return r
}

func TestReconciler_RunOnce_Polls(t *testing.T) {
	f := &fakeFetcher{records: 3}
	r := newTestReconciler(f)

	require.True(t, r.runOnce(context.Background()))
	require.Equal(t, 1, f.calls)
	require.Equal(t, int64(3), r.Stats().LastCount)
	// первый опрос задаёт базовую линию, уведомления нет
	select {
	case <-r.Notices():
		t.Fatal("unexpected notice on first poll")
	default:
	}
}

func TestReconciler_RunOnce_NoticeOnGrowth(t *testing.T) {
	f := &fakeFetcher{records: 2}
	r := newTestReconciler(f)

	require.True(t, r.runOnce(context.Background()))
	f.setRecords(5)
	require.True(t, r.runOnce(context.Background()))

	select {
	case n := <-r.Notices():
		require.Equal(t, 5, n.NewCount)
		require.Equal(t, 3, n.Delta)
	default:
		t.Fatal("expected a notice")
	}
}

func TestReconciler_RunOnce_NoNoticeOnShrink(t *testing.T) {
	f := &fakeFetcher{records: 5}
	r := newTestReconciler(f)

	require.True(t, r.runOnce(context.Background()))
	f.setRecords(2)
	require.True(t, r.runOnce(context.Background()))

	select {
	case <-r.Notices():
		t.Fatal("shrinking view must not notify")
	default:
	}
	// но базовая линия обновилась
	require.Equal(t, int64(2), r.Stats().LastCount)
}

func TestReconciler_RunOnce_LatestNoticeWins(t *testing.T) {
	f := &fakeFetcher{records: 1}
	r := newTestReconciler(f)

	require.True(t, r.runOnce(context.Background()))
	f.setRecords(2)
	require.True(t, r.runOnce(context.Background()))
	f.setRecords(6)
	require.True(t, r.runOnce(context.Background()))

	select {
	case n := <-r.Notices():
		require.Equal(t, 6, n.NewCount)
		require.Equal(t, 4, n.Delta)
	default:
		t.Fatal("expected a notice")
	}
}

func TestReconciler_RunOnce_SuppressedWhileInteracting(t *testing.T) {
	f := &fakeFetcher{records: 1}
	r := newTestReconciler(f)

	r.SetInteracting(true)
	require.False(t, r.runOnce(context.Background()))
	require.Equal(t, 0, f.calls)
	require.Equal(t, int64(1), r.Stats().TotalSuppressed)
}

func TestReconciler_RunOnce_QuietPeriodAfterInteraction(t *testing.T) {
	f := &fakeFetcher{records: 1}
	r := NewReconciler(f, orders.GetOpts{AccountIDs: []string{"acc-1"}}).
		WithSettings(time.Minute, time.Nanosecond, 30*time.Second)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.SetInteracting(true)
	r.SetInteracting(false) // lastInteracted = base

	// через 10s после взаимодействия — ещё тихое окно
	now = base.Add(10 * time.Second)
	require.False(t, r.runOnce(context.Background()))

	// через 31s — можно
	now = base.Add(31 * time.Second)
	require.True(t, r.runOnce(context.Background()))
	require.Equal(t, 1, f.calls)
}

func TestReconciler_RunOnce_MinGapThrottles(t *testing.T) {
	f := &fakeFetcher{records: 1}
	r := NewReconciler(f, orders.GetOpts{AccountIDs: []string{"acc-1"}}).
		WithSettings(time.Minute, 5*time.Second, time.Nanosecond)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	require.True(t, r.runOnce(context.Background()))
	now = base.Add(2 * time.Second)
	require.False(t, r.runOnce(context.Background()))
	now = base.Add(6 * time.Second)
	require.True(t, r.runOnce(context.Background()))
	require.Equal(t, 2, f.calls)
}

func TestReconciler_RunOnce_FetchErrorCounted(t *testing.T) {
	f := &fakeFetcher{err: errors.New("backend down")}
	r := newTestReconciler(f)

	require.True(t, r.runOnce(context.Background()))
	st := r.Stats()
	require.Equal(t, int64(1), st.TotalErrors)
	require.Equal(t, int64(-1), st.LastCount)
}

func TestReconciler_Trigger_NonBlocking(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{})
	r.Trigger()
	r.Trigger()
}
