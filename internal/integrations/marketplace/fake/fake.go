package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/models"
)

// FakeClient — детерминированная заглушка маркетплейса для демо и тестов.
// Набор relations у ресурса определяется хэшем от (type, id), так что два
// вызова для одного ресурса всегда дают одинаковый ответ.
type FakeClient struct {
	mu       sync.Mutex
	failures map[string]error // "type:id:relation" -> forced error
}

func New() *FakeClient {
	return &FakeClient{failures: map[string]error{}}
}

// Fail forces the next fetches of the given relation to return err.
// Use relation "" to fail the primary resource fetch.
func (f *FakeClient) Fail(resourceType, resourceID, relation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failKey(resourceType, resourceID, relation)] = err
}

func (f *FakeClient) forced(resourceType, resourceID, relation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[failKey(resourceType, resourceID, relation)]
}

func failKey(resourceType, resourceID, relation string) string {
	return resourceType + ":" + resourceID + ":" + relation
}

func (f *FakeClient) FetchResource(ctx context.Context, token, resourceType, resourceID string) (json.RawMessage, error) {
	if err := f.forced(resourceType, resourceID, ""); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(map[string]any{
		"id":     resourceID,
		"type":   resourceType,
		"status": pick(resourceType+resourceID, []string{"open", "shipped", "closed"}),
	})
	return b, nil
}

func (f *FakeClient) FetchRelation(ctx context.Context, token, resourceType, resourceID, relation string) (json.RawMessage, error) {
	if err := f.forced(resourceType, resourceID, relation); err != nil {
		return nil, err
	}

	// ~Треть relations "не существует": маркетплейс честно отвечает 404.
	if hash(resourceType+resourceID+relation)%3 == 0 {
		return nil, marketplace.ErrNotFound
	}

	payload := map[string]any{
		"relation": relation,
		"of":       resourceID,
	}
	if relation == models.RelationShipping {
		payload["id"] = "shp-" + resourceID
	}
	b, _ := json.Marshal(payload)
	return b, nil
}

func (f *FakeClient) ListOrders(ctx context.Context, token string, from, to time.Time) ([]marketplace.OrderSummary, error) {
	// Стабильный список из нескольких заказов на аккаунт (токен).
	n := int(hash(token)%4) + 2
	out := make([]marketplace.OrderSummary, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ord-%08x-%d", hash(token), i)
		b, _ := json.Marshal(map[string]any{"id": id, "type": models.ResourceTypeOrder})
		out = append(out, marketplace.OrderSummary{ID: id, Payload: b})
	}
	return out, nil
}

func pick(seed string, opts []string) string {
	return opts[int(hash(seed))%len(opts)]
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
