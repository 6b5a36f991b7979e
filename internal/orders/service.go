package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/OpsBox/internal/cache"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/models"
	"github.com/BearBump/OpsBox/internal/resolver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Accounts is the connection-service collaborator: it owns tokens, we only
// look them up.
type Accounts interface {
	Token(ctx context.Context, accountID string) (string, error)
}

type Store interface {
	ListByAccounts(ctx context.Context, accountIDs []string, from, to time.Time) ([]*models.EnrichedRecord, error)
	Put(ctx context.Context, key models.EnrichmentKey, rec *models.EnrichedRecord, ttl time.Duration) error
	GetWatermark(ctx context.Context, accountID string) (*models.SyncWatermark, bool, error)
	UpsertWatermark(ctx context.Context, accountID string, syncedAt time.Time, recordCount int64) error
}

type Enricher interface {
	Enrich(ctx context.Context, acct models.Account, key models.EnrichmentKey, relations []string) (*models.EnrichedRecord, error)
}

type Lister interface {
	ListOrders(ctx context.Context, token string, from, to time.Time) ([]marketplace.OrderSummary, error)
}

type Tiers interface {
	Get(ctx context.Context, ks cache.Keyset) ([]byte, bool)
	Set(ctx context.Context, ks cache.Keyset, value []byte)
	Invalidate(ctx context.Context, accountIDs []string)
}

// KeyResolver serves the single-record path (карточка заказа), where the
// fresh/stale/miss решение принимается по одному ключу, а не по аккаунту.
type KeyResolver interface {
	Resolve(ctx context.Context, acct models.Account, key models.EnrichmentKey, threshold time.Duration) (resolver.Resolution, error)
}

type GetOpts struct {
	AccountIDs         []string      `json:"account_ids"`
	From               time.Time     `json:"from"`
	To                 time.Time     `json:"to"`
	ForceRefresh       bool          `json:"force_refresh,omitempty"`
	FreshnessThreshold time.Duration `json:"-"`
}

// AccountStatus reports per-account degradation so one broken token never
// hides the other accounts' data.
type AccountStatus struct {
	AccountID      string `json:"account_id"`
	Source         string `json:"source"`
	NeedsReconnect bool   `json:"needs_reconnect,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Result struct {
	Records  []*models.EnrichedRecord `json:"records"`
	Source   string                   `json:"source"` // cache | live | mixed
	AsOf     time.Time                `json:"as_of"`
	Accounts []AccountStatus          `json:"accounts"`
}

const (
	sourceCache = "cache"
	sourceLive  = "live"
	sourceMixed = "mixed"
)

var (
	ErrNoAccounts = errors.New("accountIds is empty")
	ErrBadRange   = errors.New("from is after to")
)

type activeRequest struct {
	id     uuid.UUID
	cancel context.CancelFunc
}

// Service walks клиентские тиры -> серверный кэш -> живую синхронизацию.
type Service struct {
	accounts Accounts
	store    Store
	enricher Enricher
	lister   Lister
	tiers    Tiers
	keys     KeyResolver // nil until WithResolver

	entryTTL  time.Duration // server cache TTL per record
	threshold time.Duration // default freshness threshold

	mu      sync.Mutex
	active  map[string]activeRequest // account-set -> in-flight request
	syncing map[string]struct{}      // accounts with a background sync in flight

	now func() time.Time

	// onSyncDone is a test hook; nil in production.
	onSyncDone func(accountID string, err error)
}

func New(accounts Accounts, store Store, enricher Enricher, lister Lister, tiers Tiers, entryTTL, threshold time.Duration) *Service {
	if entryTTL <= 0 {
		entryTTL = time.Hour
	}
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &Service{
		accounts:  accounts,
		store:     store,
		enricher:  enricher,
		lister:    lister,
		tiers:     tiers,
		entryTTL:  entryTTL,
		threshold: threshold,
		active:    map[string]activeRequest{},
		syncing:   map[string]struct{}{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetEnrichedOrders is the single caller-facing entry point.
func (s *Service) GetEnrichedOrders(ctx context.Context, opts GetOpts) (*Result, error) {
	if len(opts.AccountIDs) == 0 {
		return nil, ErrNoAccounts
	}
	if opts.To.IsZero() {
		opts.To = s.now()
	}
	if opts.From.IsZero() {
		opts.From = opts.To.AddDate(0, 0, -30)
	}
	if opts.From.After(opts.To) {
		return nil, ErrBadRange
	}

	threshold := opts.FreshnessThreshold
	if threshold <= 0 {
		threshold = s.threshold
	}
	if opts.ForceRefresh {
		threshold = 0
	}

	ks := cache.Keyset{AccountIDs: opts.AccountIDs, From: opts.From, To: opts.To}

	// Новый запрос по тем же аккаунтам отменяет предыдущий незавершённый:
	// поздний ответ не должен затирать более новое состояние.
	ctx, release := s.supersede(ctx, opts.AccountIDs)
	defer release()

	if opts.ForceRefresh {
		s.tiers.Invalidate(ctx, opts.AccountIDs)
	} else if b, ok := s.tiers.Get(ctx, ks); ok {
		var res Result
		if json.Unmarshal(b, &res) == nil {
			return &res, nil
		}
		// Битый тир — игнорируем и идём дальше.
	}

	res := &Result{AsOf: s.now()}
	var liveCount, cacheCount int
	for _, accountID := range opts.AccountIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := s.resolveAccount(ctx, accountID, opts.From, opts.To, threshold, res)
		res.Accounts = append(res.Accounts, st)
		switch st.Source {
		case sourceLive:
			liveCount++
		case sourceCache:
			cacheCount++
		}
	}

	if err := ctx.Err(); err != nil {
		// Нас перебил более новый запрос: поздний результат не отдаём.
		return nil, err
	}

	switch {
	case liveCount > 0 && cacheCount > 0:
		res.Source = sourceMixed
	case liveCount > 0:
		res.Source = sourceLive
	default:
		res.Source = sourceCache
	}

	sort.SliceStable(res.Records, func(i, j int) bool {
		return res.Records[i].FetchedAt.After(res.Records[j].FetchedAt)
	})

	if b, err := json.Marshal(res); err == nil {
		s.tiers.Set(ctx, ks, b)
	}
	return res, nil
}

// WithResolver enables the single-record path.
func (s *Service) WithResolver(r KeyResolver) *Service {
	s.keys = r
	return s
}

// GetEnrichedRecord serves one record's card view. forceRefresh skips the
// fresh-entry short-circuit and goes live.
func (s *Service) GetEnrichedRecord(ctx context.Context, accountID, resourceType, resourceID string, forceRefresh bool) (*models.EnrichedRecord, string, error) {
	if s.keys == nil {
		return nil, "", errors.New("record resolver is not configured")
	}

	token, err := s.accounts.Token(ctx, accountID)
	if err != nil {
		return nil, "", errors.Wrap(err, "account token")
	}

	threshold := s.threshold
	if forceRefresh {
		threshold = 0
	}

	key := models.EnrichmentKey{AccountID: accountID, ResourceType: resourceType, ResourceID: resourceID}
	res, err := s.keys.Resolve(ctx, models.Account{ID: accountID, Token: token}, key, threshold)
	if err != nil {
		return nil, "", err
	}
	return res.Record, string(res.Source), nil
}

// Invalidate drops the client tiers for the accounts ("refresh now" action).
func (s *Service) Invalidate(ctx context.Context, accountIDs []string) {
	s.tiers.Invalidate(ctx, accountIDs)
}

// Watermark exposes the account's sync watermark to the API and the poller.
func (s *Service) Watermark(ctx context.Context, accountID string) (*models.SyncWatermark, bool, error) {
	return s.store.GetWatermark(ctx, accountID)
}

// resolveAccount applies the freshness state machine at account granularity,
// using the sync watermark as the age marker for the account's record set.
func (s *Service) resolveAccount(ctx context.Context, accountID string, from, to time.Time, threshold time.Duration, res *Result) AccountStatus {
	st := AccountStatus{AccountID: accountID, Source: sourceCache}

	token, err := s.accounts.Token(ctx, accountID)
	if err != nil {
		st.Error = err.Error()
		st.NeedsReconnect = true
		s.appendStored(ctx, accountID, from, to, res)
		return st
	}
	acct := models.Account{ID: accountID, Token: token}

	if threshold > 0 {
		wm, ok, err := s.store.GetWatermark(ctx, accountID)
		if err != nil {
			// Кэш недоступен — деградируем в always-live.
			slog.Warn("watermark read failed, going live", "account_id", accountID, "error", err.Error())
		} else if ok {
			if s.now().Sub(wm.SyncedAt) < threshold {
				// FRESH
				s.appendStored(ctx, accountID, from, to, res)
				return st
			}
			// STALE: отдаём кэш сразу, обновляем в фоне.
			s.appendStored(ctx, accountID, from, to, res)
			s.syncAsync(acct, from, to)
			return st
		}
	}

	// MISS (или forceRefresh): блокирующая синхронизация.
	recs, err := s.syncAccount(ctx, acct, from, to)
	if err != nil {
		st.Error = err.Error()
		st.NeedsReconnect = marketplace.IsUnauthorized(err)
		// Не роняем остальные аккаунты; отдаём что есть в кэше.
		s.appendStored(ctx, accountID, from, to, res)
		return st
	}
	st.Source = sourceLive
	res.Records = append(res.Records, recs...)
	return st
}

func (s *Service) appendStored(ctx context.Context, accountID string, from, to time.Time, res *Result) {
	recs, err := s.store.ListByAccounts(ctx, []string{accountID}, from, to)
	if err != nil {
		slog.Warn("server cache read failed", "account_id", accountID, "error", err.Error())
		return
	}
	res.Records = append(res.Records, recs...)
}

// syncAccount discovers the account's orders in range and enriches each one.
// Ошибка одного ключа не валит остальные; фатальна только токен-ошибка.
func (s *Service) syncAccount(ctx context.Context, acct models.Account, from, to time.Time) ([]*models.EnrichedRecord, error) {
	summaries, err := s.lister.ListOrders(ctx, acct.Token, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}

	out := make([]*models.EnrichedRecord, 0, len(summaries))
	for _, sum := range summaries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := models.EnrichmentKey{
			AccountID:    acct.ID,
			ResourceType: models.ResourceTypeOrder,
			ResourceID:   sum.ID,
		}
		rec, err := s.enricher.Enrich(ctx, acct, key, nil)
		if err != nil {
			if marketplace.IsUnauthorized(err) {
				return nil, err
			}
			// Свежесозданный заказ может 404-ить несколько секунд; прочие
			// ошибки тоже не повод терять остальной батч.
			slog.Warn("enrich order failed", "key", key.String(), "error", err.Error())
			continue
		}
		if err := s.store.Put(ctx, key, rec, s.entryTTL); err != nil {
			slog.Warn("server cache put failed", "key", key.String(), "error", err.Error())
		}
		out = append(out, rec)
	}

	if err := s.store.UpsertWatermark(ctx, acct.ID, s.now(), int64(len(summaries))); err != nil {
		slog.Warn("watermark write failed", "account_id", acct.ID, "error", err.Error())
	}
	return out, nil
}

// syncAsync runs at most one background sync per account at a time.
func (s *Service) syncAsync(acct models.Account, from, to time.Time) {
	s.mu.Lock()
	if _, busy := s.syncing[acct.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.syncing[acct.ID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.syncing, acct.ID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		_, err := s.syncAccount(ctx, acct, from, to)
		if err != nil {
			slog.Warn("background account sync failed", "account_id", acct.ID, "error", err.Error())
		} else {
			// Следующее чтение должно увидеть свежие данные, а не старый тир.
			s.tiers.Invalidate(ctx, []string{acct.ID})
		}
		if s.onSyncDone != nil {
			s.onSyncDone(acct.ID, err)
		}
	}()
}

// supersede cancels the previous in-flight request for the same account set
// and registers this one. release снимает регистрацию, если её не перебил
// более новый запрос.
func (s *Service) supersede(ctx context.Context, accountIDs []string) (context.Context, func()) {
	ids := append([]string(nil), accountIDs...)
	sort.Strings(ids)
	setKey := strings.Join(ids, "|")

	ctx, cancel := context.WithCancel(ctx)
	reqID := uuid.New()

	s.mu.Lock()
	if prev, ok := s.active[setKey]; ok {
		prev.cancel()
	}
	s.active[setKey] = activeRequest{id: reqID, cancel: cancel}
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if cur, ok := s.active[setKey]; ok && cur.id == reqID {
			delete(s.active, setKey)
		}
		s.mu.Unlock()
		cancel()
	}
}
