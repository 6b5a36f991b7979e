package orders_api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/models"
	"github.com/BearBump/OpsBox/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type OrdersService interface {
	GetEnrichedOrders(ctx context.Context, opts orders.GetOpts) (*orders.Result, error)
	GetEnrichedRecord(ctx context.Context, accountID, resourceType, resourceID string, forceRefresh bool) (*models.EnrichedRecord, string, error)
	Invalidate(ctx context.Context, accountIDs []string)
	Watermark(ctx context.Context, accountID string) (*models.SyncWatermark, bool, error)
}

// OrdersAPI — JSON-обёртка над orders.Service для фронта дашборда.
type OrdersAPI struct {
	svc OrdersService
}

func New(svc OrdersService) *OrdersAPI {
	return &OrdersAPI{svc: svc}
}

func (a *OrdersAPI) Routes(r chi.Router) {
	r.Post("/v1/orders/enriched", a.getEnrichedOrders)
	r.Get("/v1/accounts/{accountID}/records/{resourceType}/{resourceID}", a.getEnrichedRecord)
	r.Post("/v1/accounts/{accountID}/refresh", a.refreshAccount)
	r.Get("/v1/accounts/{accountID}/watermark", a.getWatermark)
}

type enrichedOrdersRequest struct {
	AccountIDs []string  `json:"accountIds"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`

	ForceRefresh bool `json:"forceRefresh,omitempty"`
	// 0 = серверный дефолт; задаётся явно, когда фронту нужна другая свежесть
	FreshnessThresholdSeconds int `json:"freshnessThresholdSeconds,omitempty"`
}

type enrichedOrdersResponse struct {
	Records  []*models.EnrichedRecord `json:"records"`
	Source   string                   `json:"source"`
	AsOf     time.Time                `json:"asOf"`
	Accounts []orders.AccountStatus   `json:"accounts"`
}

func (a *OrdersAPI) getEnrichedOrders(w http.ResponseWriter, r *http.Request) {
	var req enrichedOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := a.svc.GetEnrichedOrders(r.Context(), orders.GetOpts{
		AccountIDs:         req.AccountIDs,
		From:               req.From,
		To:                 req.To,
		ForceRefresh:       req.ForceRefresh,
		FreshnessThreshold: time.Duration(req.FreshnessThresholdSeconds) * time.Second,
	})
	if err != nil {
		if r.Context().Err() != nil {
			// запрос отменён или вытеснен более новым, тело уже никому не нужно
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, orders.ErrNoAccounts) || errors.Is(err, orders.ErrBadRange) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, enrichedOrdersResponse{
		Records:  res.Records,
		Source:   res.Source,
		AsOf:     res.AsOf,
		Accounts: res.Accounts,
	})
}

type enrichedRecordResponse struct {
	Record *models.EnrichedRecord `json:"record"`
	Source string                 `json:"source"`
}

func (a *OrdersAPI) getEnrichedRecord(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	resourceType := chi.URLParam(r, "resourceType")
	resourceID := chi.URLParam(r, "resourceID")
	force := r.URL.Query().Get("forceRefresh") == "true"

	rec, source, err := a.svc.GetEnrichedRecord(r.Context(), accountID, resourceType, resourceID, force)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, marketplace.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, enrichedRecordResponse{Record: rec, Source: source})
}

func (a *OrdersAPI) refreshAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}
	a.svc.Invalidate(r.Context(), []string{accountID})
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": true, "accountId": accountID})
}

type watermarkResponse struct {
	AccountID   string     `json:"accountId"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
	RecordCount int64      `json:"recordCount"`
}

func (a *OrdersAPI) getWatermark(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	wm, ok, err := a.svc.Watermark(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := watermarkResponse{AccountID: accountID}
	if ok {
		t := wm.SyncedAt
		resp.SyncedAt = &t
		resp.RecordCount = wm.RecordCount
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
