package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/OpsBox/config"
	"github.com/BearBump/OpsBox/internal/accounts"
	"github.com/BearBump/OpsBox/internal/broker/kafka"
	"github.com/BearBump/OpsBox/internal/broker/messages"
	"github.com/BearBump/OpsBox/internal/cache/rediscache"
	"github.com/BearBump/OpsBox/internal/enrich"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace/fake"
	"github.com/BearBump/OpsBox/internal/integrations/marketplace/resthttp"
	"github.com/BearBump/OpsBox/internal/poller"
	"github.com/BearBump/OpsBox/internal/storage/pgcache"
)

type workerFactories struct {
	newStorage           func(cfg *config.Config) (repo poller.Repository, closeFn func(), err error)
	newProducer          func(cfg *config.Config) poller.Producer
	newRateLimiter       func(cfg *config.Config) enrich.RateLimiter
	newMarketplaceClient func(cfg *config.Config) marketplace.Client
	newAccounts          func(cfg *config.Config) poller.Accounts
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (poller.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgcache.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) enrich.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newMarketplaceClient: func(cfg *config.Config) marketplace.Client {
			// Для демо достаточно локального fake; rest включается base_url'ом.
			if cfg.OpsBox.MarketplaceBaseURL != "" && cfg.OpsBox.MarketplaceMode == "rest" {
				return resthttp.New(cfg.OpsBox.MarketplaceBaseURL)
			}
			return fake.New()
		},
		newAccounts: func(cfg *config.Config) poller.Accounts {
			tokens := make(map[string]string, len(cfg.Accounts))
			for _, a := range cfg.Accounts {
				tokens[a.ID] = a.Token
			}
			return accounts.NewStatic(tokens)
		},
	}
}

func plannerConfigFromConfig(cfg *config.Config) poller.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return poller.PlannerConfig{
		ClosedTTL:  sec(cfg.OpsBox.WorkerClosedTTLSeconds),
		OpenMinTTL: sec(cfg.OpsBox.WorkerOpenMinTTLSeconds),
		OpenMaxTTL: sec(cfg.OpsBox.WorkerOpenMaxTTLSeconds),
		PartialTTL: sec(cfg.OpsBox.WorkerPartialTTLSeconds),
		Backoff1:   sec(cfg.OpsBox.WorkerBackoff1Seconds),
		Backoff2:   sec(cfg.OpsBox.WorkerBackoff2Seconds),
		Backoff3:   sec(cfg.OpsBox.WorkerBackoff3Seconds),
		Backoff4:   sec(cfg.OpsBox.WorkerBackoff4Seconds),
	}
}

func buildSyncWorker(cfg *config.Config, f workerFactories) (*poller.SyncWorker, func(), error) {
	topic := cfg.Kafka.RecordSyncedTopicName
	if topic == "" {
		topic = messages.TopicRecordSynced
	}

	pollInterval := time.Duration(cfg.OpsBox.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	batchSize := cfg.OpsBox.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.OpsBox.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.OpsBox.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	ratePerMin := int64(cfg.OpsBox.MarketplaceRatePerMinute)
	if ratePerMin <= 0 {
		ratePerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	client := f.newMarketplaceClient(cfg)
	accs := f.newAccounts(cfg)

	merger := enrich.New(client, rl).
		WithSettings(cfg.OpsBox.EnrichConcurrency, ratePerMin)

	w := poller.NewSyncWorker(repo, merger, accs, producer, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease).
		WithPlanner(plannerConfigFromConfig(cfg))

	return w, closeFn, nil
}

func RunOpsWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	w, closeFn, err := buildSyncWorker(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	return w.Run(ctx)
}
