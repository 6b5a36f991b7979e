package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedRand struct{ v int }

func (r fixedRand) Intn(n int) int {
	if r.v >= n {
		return n - 1
	}
	return r.v
}

func TestPlanner_RecordTTL_Partial(t *testing.T) {
	p := NewPlanner(PlannerConfig{PartialTTL: time.Minute}, fixedRand{})
	require.Equal(t, time.Minute, p.RecordTTL("open", true))
	// partial важнее статуса: даже закрытый заказ с дырками перечитываем быстро
	require.Equal(t, time.Minute, p.RecordTTL("closed", true))
}

func TestPlanner_RecordTTL_Closed(t *testing.T) {
	p := DefaultPlanner()
	for _, st := range []string{"closed", "archived", "delivered"} {
		require.Equal(t, 24*time.Hour, p.RecordTTL(st, false), st)
	}
}

func TestPlanner_RecordTTL_OpenJittered(t *testing.T) {
	cfg := PlannerConfig{OpenMinTTL: 10 * time.Minute, OpenMaxTTL: 20 * time.Minute}

	p := NewPlanner(cfg, fixedRand{v: 0})
	require.Equal(t, 10*time.Minute, p.RecordTTL("open", false))

	p = NewPlanner(cfg, fixedRand{v: 1<<30 - 1})
	require.Equal(t, 20*time.Minute, p.RecordTTL("open", false))
}

func TestPlanner_RecordTTL_UnknownStatusTreatedAsOpen(t *testing.T) {
	p := NewPlanner(PlannerConfig{OpenMinTTL: 5 * time.Minute, OpenMaxTTL: 5 * time.Minute}, nil)
	require.Equal(t, 5*time.Minute, p.RecordTTL("", false))
	require.Equal(t, 5*time.Minute, p.RecordTTL("weird", false))
}

func TestPlanner_BackoffDelay(t *testing.T) {
	p := DefaultPlanner()
	require.Equal(t, 5*time.Minute, p.BackoffDelay(1))
	require.Equal(t, 15*time.Minute, p.BackoffDelay(2))
	require.Equal(t, 30*time.Minute, p.BackoffDelay(3))
	require.Equal(t, 60*time.Minute, p.BackoffDelay(4))
	require.Equal(t, 60*time.Minute, p.BackoffDelay(17))
}

func TestNewPlanner_DefaultsApplied(t *testing.T) {
	p := NewPlanner(PlannerConfig{}, nil)
	def := DefaultPlannerConfig()
	require.Equal(t, def.ClosedTTL, p.cfg.ClosedTTL)
	require.Equal(t, def.PartialTTL, p.cfg.PartialTTL)
	require.Equal(t, def.Backoff4, p.cfg.Backoff4)
}
