package main

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/OpsBox/config"
	"github.com/BearBump/OpsBox/internal/enrich"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace/fake"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace/resthttp"
	"github.com/BearBump/OpsBox/internal/models"
	"github.com/BearBump/OpsBox/internal/poller"
	"github.com/stretchr/testify/require"
)

type stubRepo struct{}

func (stubRepo) ClaimStale(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.EnrichmentKey, error) {
	return nil, nil
}
func (stubRepo) Put(ctx context.Context, key models.EnrichmentKey, rec *models.EnrichedRecord, ttl time.Duration) error {
	return nil
}
func (stubRepo) Postpone(ctx context.Context, key models.EnrichmentKey, until time.Time) error {
	return nil
}
func (stubRepo) CountByAccount(ctx context.Context, accountID string) (int64, error) { return 0, nil }
func (stubRepo) UpsertWatermark(ctx context.Context, accountID string, syncedAt time.Time, recordCount int64) error {
	return nil
}

type noopProducer struct{}

func (noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

type noopLimiter struct{}

func (noopLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return true, 0, nil
}

type stubAccounts struct{}

func (stubAccounts) Token(ctx context.Context, accountID string) (string, error) { return "tok", nil }

func TestDefaultWorkerFactories_SelectMarketplaceClient(t *testing.T) {
	f := defaultWorkerFactories()

	cfgRest := &config.Config{
		OpsBox: config.OpsBoxConfig{
			MarketplaceBaseURL: "http://localhost:9000",
			MarketplaceMode:    "rest",
		},
	}
	c1 := f.newMarketplaceClient(cfgRest)
	_, ok := c1.(*resthttp.Client)
	require.True(t, ok)

	cfgFallback := &config.Config{
		OpsBox: config.OpsBoxConfig{MarketplaceBaseURL: "http://localhost:9000"},
	}
	c2 := f.newMarketplaceClient(cfgFallback)
	_, ok = c2.(*fake.FakeClient)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_ProducerAndRateLimiter_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
}

func TestPlannerConfigFromConfig(t *testing.T) {
	cfg := &config.Config{OpsBox: config.OpsBoxConfig{
		WorkerClosedTTLSeconds:  3600,
		WorkerPartialTTLSeconds: 30,
	}}
	pc := plannerConfigFromConfig(cfg)
	require.Equal(t, time.Hour, pc.ClosedTTL)
	require.Equal(t, 30*time.Second, pc.PartialTTL)
	// незаполненные поля остаются нулями, дефолты применяет NewPlanner
	require.Zero(t, pc.OpenMinTTL)
}

func TestRunOpsWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := workerFactories{
		newStorage: func(cfg *config.Config) (poller.Repository, func(), error) {
			return stubRepo{}, func() { calledClose = true }, nil
		},
		newProducer:    func(cfg *config.Config) poller.Producer { return noopProducer{} },
		newRateLimiter: func(cfg *config.Config) enrich.RateLimiter { return noopLimiter{} },
		newMarketplaceClient: func(cfg *config.Config) marketplace.Client {
			return fake.New()
		},
		newAccounts: func(cfg *config.Config) poller.Accounts { return stubAccounts{} },
	}

	cfg := &config.Config{
		Kafka:  config.KafkaConfig{RecordSyncedTopicName: "t"},
		OpsBox: config.OpsBoxConfig{WorkerPollIntervalSeconds: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunOpsWorker(ctx, cfg, f)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}
