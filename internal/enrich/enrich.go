package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/models"
	"github.com/pkg/errors"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Merger стягивает базовый ресурс и его relations в одну денормализованную
// запись. Любой под-запрос может упасть, не ломая запись целиком; фатальна
// только ошибка токена (она относится ко всем relations сразу, ретраить
// по одному — пустая трата квоты).
type Merger struct {
	client marketplace.Client
	rl     RateLimiter

	concurrency     int
	perAccountLimit int64

	now func() time.Time
}

func New(client marketplace.Client, rl RateLimiter) *Merger {
	return &Merger{
		client:          client,
		rl:              rl,
		concurrency:     5,
		perAccountLimit: 120,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (m *Merger) WithSettings(concurrency int, perAccountLimit int64) *Merger {
	if concurrency > 0 {
		m.concurrency = concurrency
	}
	if perAccountLimit > 0 {
		m.perAccountLimit = perAccountLimit
	}
	return m
}

// DefaultRelations lists the level-1 relations fetched for a resource type.
// costs/sla are not listed for orders: they hang off the shipment and are
// fetched automatically once shipping resolves.
func DefaultRelations(resourceType string) []string {
	switch resourceType {
	case models.ResourceTypeOrder:
		return []string{
			models.RelationShipping, models.RelationClaims, models.RelationReturns,
			models.RelationMessages, models.RelationStatusHistory,
		}
	case models.ResourceTypeClaim:
		return []string{
			models.RelationReturns, models.RelationMessages, models.RelationStatusHistory,
		}
	case models.ResourceTypeReturn:
		return []string{models.RelationMessages, models.RelationStatusHistory}
	case models.ResourceTypeShipment:
		return []string{models.RelationCosts, models.RelationSLA, models.RelationStatusHistory}
	default:
		return nil
	}
}

// Enrich fetches the core resource, then fans out over relations with bounded
// concurrency. The returned record always has Core set; a nil Related value
// means "absent". Partial is raised when a relation degraded (rate limit or
// transient failure after retry), not when it legitimately does not exist.
func (m *Merger) Enrich(ctx context.Context, acct models.Account, key models.EnrichmentKey, relations []string) (*models.EnrichedRecord, error) {
	if len(relations) == 0 {
		relations = DefaultRelations(key.ResourceType)
	}

	m.throttle(ctx, acct.ID)
	core, err := m.client.FetchResource(ctx, acct.Token, key.ResourceType, key.ResourceID)
	if err != nil {
		// Провал базового ресурса — это ошибка, а не partial-запись.
		return nil, errors.Wrap(err, "fetch core")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := &models.EnrichedRecord{
		Key:     key,
		Core:    core,
		Related: make(map[string]json.RawMessage, len(relations)+2),
	}

	var (
		mu      sync.Mutex
		authErr error
	)
	for _, name := range relations {
		rec.Related[name] = nil
	}

	collect := func(name string, payload json.RawMessage, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			rec.Related[name] = payload
		case marketplace.IsNotFound(err):
			rec.Related[name] = nil
		case marketplace.IsUnauthorized(err):
			if authErr == nil {
				authErr = err
				cancel()
			}
		default:
			rec.Related[name] = nil
			rec.Partial = true
		}
	}

	m.fanOut(ctx, relations, func(name string) (json.RawMessage, error) {
		m.throttle(ctx, acct.ID)
		return m.client.FetchRelation(ctx, acct.Token, key.ResourceType, key.ResourceID, name)
	}, collect)

	mu.Lock()
	aborted := authErr
	mu.Unlock()
	if aborted != nil {
		return nil, aborted
	}

	// Второй уровень: costs/sla живут на shipment'е и запрашиваются только
	// когда базовый shipping получен и содержит id.
	if shipmentID := shipmentIDFrom(rec.Related[models.RelationShipping]); shipmentID != "" {
		subs := []string{models.RelationCosts, models.RelationSLA}
		mu.Lock()
		for _, name := range subs {
			rec.Related[name] = nil
		}
		mu.Unlock()

		m.fanOut(ctx, subs, func(name string) (json.RawMessage, error) {
			m.throttle(ctx, acct.ID)
			return m.client.FetchRelation(ctx, acct.Token, models.ResourceTypeShipment, shipmentID, name)
		}, collect)

		mu.Lock()
		aborted = authErr
		mu.Unlock()
		if aborted != nil {
			return nil, aborted
		}
	}

	rec.FetchedAt = m.now()
	return rec, nil
}

func (m *Merger) fanOut(ctx context.Context, names []string, fetch func(name string) (json.RawMessage, error), collect func(name string, payload json.RawMessage, err error)) {
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	for _, name := range names {
		sem <- struct{}{}
		wg.Add(1)
		go func(name string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			payload, err := fetch(name)
			collect(name, payload, err)
		}(name)
	}
	wg.Wait()
}

// throttle даёт мягкий backpressure по общей квоте аккаунта: при превышении
// не падаем, а чуть ждём, чтобы разгрузить источник.
func (m *Merger) throttle(ctx context.Context, accountID string) {
	if m.rl == nil || m.perAccountLimit <= 0 {
		return
	}
	minuteKey := fmt.Sprintf("rl:mkt:%s:%s", accountID, m.now().Format("200601021504"))
	allowed, n, err := m.rl.Allow(ctx, minuteKey, m.perAccountLimit, 70*time.Second)
	if err != nil || allowed {
		return
	}
	slog.Warn("marketplace rate limit exceeded", "account_id", accountID, "count", n)
	time.Sleep(500 * time.Millisecond)
}

func shipmentIDFrom(payload json.RawMessage) string {
	if payload == nil {
		return ""
	}
	var s struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(payload, &s) != nil {
		return ""
	}
	return s.ID
}
