package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BytesCache is the contract every cache tier satisfies. Invalidate takes a
// glob pattern (redis SCAN MATCH syntax; the in-memory tier uses path.Match).
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// Keyset — составной ключ клиентских тиров: аккаунты + диапазон дат.
// Совпадение только точное: другой набор аккаунтов или другой диапазон —
// это полный промах, частичные пересечения не склеиваем.
type Keyset struct {
	AccountIDs []string
	From       time.Time
	To         time.Time
}

// Key renders the canonical cache key. Account ids are sorted and wrapped in
// pipes so one id can be matched exactly inside a glob pattern.
func (k Keyset) Key() string {
	ids := append([]string(nil), k.AccountIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("orders:v1:|%s|:%d:%d",
		strings.Join(ids, "|"), k.From.UTC().Unix(), k.To.UTC().Unix())
}

// AccountPattern matches every keyset that includes the given account.
func AccountPattern(accountID string) string {
	return "orders:v1:*|" + accountID + "|*"
}
