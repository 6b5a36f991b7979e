package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// OrderSummary is one row of a marketplace order listing: the order id plus
// the raw payload as returned by the listing endpoint.
type OrderSummary struct {
	ID      string
	Payload json.RawMessage
}

// Client issues read-only calls to the marketplace API on behalf of one
// account token. Implementations are stateless; tokens come from the
// connection service and are never refreshed here.
type Client interface {
	FetchResource(ctx context.Context, token, resourceType, resourceID string) (json.RawMessage, error)
	FetchRelation(ctx context.Context, token, resourceType, resourceID, relation string) (json.RawMessage, error)
	ListOrders(ctx context.Context, token string, from, to time.Time) ([]OrderSummary, error)
}

var (
	// ErrNotFound: ресурс ещё не существует (или удалён). Маркетплейс
	// eventually consistent — свежесозданный заказ может 404-ить несколько
	// секунд. Ретраить здесь нельзя, это забота вызывающего.
	ErrNotFound = errors.New("marketplace: resource not found")

	// ErrUnauthorized means the account token is invalid or expired. Surfaced
	// up so the account can be flagged "needs reconnect".
	ErrUnauthorized = errors.New("marketplace: unauthorized")
)

// RateLimitedError carries the upstream Retry-After hint when present.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("marketplace: rate limited (retry after %s)", e.RetryAfter)
}

// TransientError wraps network failures and upstream 5xx. Eligible for one
// immediate retry with jitter.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "marketplace: transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr)
}
