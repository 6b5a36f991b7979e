package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/OpsBox/config"
	"github.com/BearBump/OpsBox/internal/accounts"
	"github.com/BearBump/OpsBox/internal/broker/kafka"
	"github.com/BearBump/OpsBox/internal/broker/messages"
	"github.com/BearBump/OpsBox/internal/cache"
	"github.com/BearBump/OpsBox/internal/cache/memcache"
	"github.com/BearBump/OpsBox/internal/cache/rediscache"
	"github.com/BearBump/OpsBox/internal/enrich"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace/fake"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace/resthttp"
	"github.com/BearBump/OpsBox/internal/orders"
	"github.com/BearBump/OpsBox/internal/poller"
	"github.com/BearBump/OpsBox/internal/resolver"
	"github.com/BearBump/OpsBox/internal/storage/pgcache"
)

type opsAPIApp struct {
	ctx        context.Context
	cancel     context.CancelFunc
	opts       opsAPIOpts
	svc        *orders.Service
	consumer   *kafka.Consumer
	reconciler *poller.Reconciler
	closeDB    func()
}

func mustBootstrapOpsAPI() *opsAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.OpsBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.OpsBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "ops-api"
	}
	topic := cfg.Kafka.RecordSyncedTopicName
	if topic == "" {
		topic = messages.TopicRecordSynced
	}

	recordTTL := time.Duration(cfg.OpsBox.RecordTTLSeconds) * time.Second
	if recordTTL <= 0 {
		recordTTL = time.Hour
	}
	threshold := time.Duration(cfg.OpsBox.FreshnessThresholdSeconds) * time.Second
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	memTTL := time.Duration(cfg.OpsBox.MemoryTierTTLSeconds) * time.Second
	if memTTL <= 0 {
		memTTL = time.Minute
	}
	persTTL := time.Duration(cfg.OpsBox.PersistentTierTTLSeconds) * time.Second
	if persTTL <= 0 {
		persTTL = 10 * time.Minute
	}
	ratePerMin := int64(cfg.OpsBox.MarketplaceRatePerMinute)
	if ratePerMin <= 0 {
		ratePerMin = 120
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	tiers := cache.NewTiers(memcache.New(), rediscache.New(redisAddr), memTTL, persTTL)
	rl := rediscache.NewRateLimiter(redisAddr)

	var client marketplace.Client
	if cfg.OpsBox.MarketplaceBaseURL != "" && cfg.OpsBox.MarketplaceMode == "rest" {
		client = resthttp.New(cfg.OpsBox.MarketplaceBaseURL)
	} else {
		client = fake.New()
	}

	tokens := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		tokens[a.ID] = a.Token
	}
	accs := accounts.NewStatic(tokens)

	merger := enrich.New(client, rl).
		WithSettings(cfg.OpsBox.EnrichConcurrency, ratePerMin)

	svc := orders.New(accs, st, merger, client, tiers, recordTTL, threshold).
		WithResolver(resolver.New(st, merger, recordTTL))

	var rec *poller.Reconciler
	if len(cfg.OpsBox.WatchAccountIDs) > 0 {
		rec = poller.NewReconciler(svc, orders.GetOpts{AccountIDs: cfg.OpsBox.WatchAccountIDs}).
			WithSettings(
				time.Duration(cfg.OpsBox.ReconcileIntervalSeconds)*time.Second,
				time.Duration(cfg.OpsBox.ReconcileMinGapSeconds)*time.Second,
				time.Duration(cfg.OpsBox.ReconcileQuietSeconds)*time.Second,
			)
	}

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &opsAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: opsAPIOpts{
			httpAddr:      httpAddr,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:        svc,
		consumer:   consumer,
		reconciler: rec,
		closeDB:    st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgcache.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgcache.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *opsAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *opsAPIApp) Run() error {
	return runOpsAPI(a.ctx, a.opts, a.svc, a.consumer, a.reconciler)
}
