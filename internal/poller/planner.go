package poller

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

// PlannerConfig задаёт, насколько быстро запись должна пересинхронизироваться.
type PlannerConfig struct {
	ClosedTTL time.Duration // closed/archived orders barely change; default 24h

	OpenMinTTL time.Duration // default 10 minutes
	OpenMaxTTL time.Duration // default 20 minutes

	PartialTTL time.Duration // degraded records retry sooner; default 2 minutes

	Backoff1 time.Duration // default 5 minutes
	Backoff2 time.Duration // default 15 minutes
	Backoff3 time.Duration // default 30 minutes
	Backoff4 time.Duration // default 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		ClosedTTL: 24 * time.Hour,

		OpenMinTTL: 10 * time.Minute,
		OpenMaxTTL: 20 * time.Minute,

		PartialTTL: 2 * time.Minute,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.ClosedTTL <= 0 {
		cfg.ClosedTTL = def.ClosedTTL
	}
	if cfg.OpenMinTTL <= 0 {
		cfg.OpenMinTTL = def.OpenMinTTL
	}
	if cfg.OpenMaxTTL <= 0 {
		cfg.OpenMaxTTL = def.OpenMaxTTL
	}
	if cfg.OpenMaxTTL < cfg.OpenMinTTL {
		cfg.OpenMaxTTL = cfg.OpenMinTTL
	}
	if cfg.PartialTTL <= 0 {
		cfg.PartialTTL = def.PartialTTL
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

// RecordTTL picks the next re-sync delay for a freshly stored record.
// Partial-записи живут коротко: хотим добрать упавшие relations поскорее.
func (p *Planner) RecordTTL(status string, partial bool) time.Duration {
	if partial {
		return p.cfg.PartialTTL
	}
	switch status {
	case "closed", "archived", "delivered":
		return p.cfg.ClosedTTL
	default:
		min := p.cfg.OpenMinTTL
		max := p.cfg.OpenMaxTTL
		if max == min {
			return min
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
	}
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
