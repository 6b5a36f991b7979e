package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/OpsBox/internal/broker/messages"
	"github.com/BearBump/OpsBox/internal/models"
	"github.com/BearBump/OpsBox/internal/orders"
	"github.com/BearBump/OpsBox/internal/poller"
	"github.com/stretchr/testify/require"
)

type fakeOrdersService struct {
	mu          sync.Mutex
	invalidated [][]string
}

func (s *fakeOrdersService) GetEnrichedOrders(ctx context.Context, opts orders.GetOpts) (*orders.Result, error) {
	return &orders.Result{Source: "cache", AsOf: time.Now().UTC()}, nil
}

func (s *fakeOrdersService) GetEnrichedRecord(ctx context.Context, accountID, resourceType, resourceID string, forceRefresh bool) (*models.EnrichedRecord, string, error) {
	return &models.EnrichedRecord{}, "cache", nil
}

func (s *fakeOrdersService) Invalidate(ctx context.Context, accountIDs []string) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, accountIDs)
	s.mu.Unlock()
}

func (s *fakeOrdersService) Watermark(ctx context.Context, accountID string) (*models.SyncWatermark, bool, error) {
	return nil, false, nil
}

func (s *fakeOrdersService) invalidations() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string{}, s.invalidated...)
}

type fakeConsumer struct {
	msgs [][]byte
}

func (c fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for _, m := range c.msgs {
		if err := handler(nil, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunOpsAPI_ServesAndConsumes(t *testing.T) {
	svc := &fakeOrdersService{}

	b, err := json.Marshal(messages.RecordSynced{
		AccountID:    "a1",
		ResourceType: models.ResourceTypeOrder,
		ResourceID:   "o1",
		SyncedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	cons := fakeConsumer{msgs: [][]byte{b}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := opsAPIOpts{
		httpAddr:      "127.0.0.1:0",
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runOpsAPI(ctx, opts, svc, cons, nil) }()

	httpAddr := <-addrCh

	resp, err := http.Get("http://" + httpAddr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "ok")

	resp, err = http.Post("http://"+httpAddr+"/v1/orders/enriched",
		"application/json", bytes.NewReader([]byte(`{"accountIds":["a1"]}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	// сообщение record.synced из кафки инвалидирует тиры аккаунта
	require.Eventually(t, func() bool {
		for _, inv := range svc.invalidations() {
			if len(inv) == 1 && inv[0] == "a1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Error(t, <-errCh)
}

func TestRunOpsAPI_ReconcilerEndpoints(t *testing.T) {
	svc := &fakeOrdersService{}
	rec := poller.NewReconciler(svc, orders.GetOpts{AccountIDs: []string{"a1"}}).
		WithSettings(time.Hour, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := opsAPIOpts{
		httpAddr: "127.0.0.1:0",
		topic:    "t",
		onListen: func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runOpsAPI(ctx, opts, svc, fakeConsumer{}, rec) }()

	httpAddr := <-addrCh

	resp, err := http.Post("http://"+httpAddr+"/v1/interacting",
		"application/json", bytes.NewReader([]byte(`{"interacting":true}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + httpAddr + "/v1/notices")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.JSONEq(t, `{}`, string(body))

	resp, err = http.Get("http://" + httpAddr + "/v1/reconciler/stats")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "totalPolls")

	cancel()
	require.Error(t, <-errCh)
}
