package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig  `yaml:"database"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Redis    RedisConfig     `yaml:"redis"`
	OpsBox   OpsBoxConfig    `yaml:"opsbox"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig — подключённый аккаунт маркетплейса. В проде токены приходят
// из сервиса подключений; здесь храним их в конфиге.
type AccountConfig struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	RecordSyncedTopicName string `yaml:"record_synced_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type OpsBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Клиентские тиры кэша батч-ответов.
	MemoryTierTTLSeconds     int `yaml:"memory_tier_ttl_seconds"`
	PersistentTierTTLSeconds int `yaml:"persistent_tier_ttl_seconds"`

	// Серверный кэш обогащённых записей.
	RecordTTLSeconds          int `yaml:"record_ttl_seconds"`
	FreshnessThresholdSeconds int `yaml:"freshness_threshold_seconds"`

	// Обогащение.
	EnrichConcurrency        int `yaml:"enrich_concurrency"`
	MarketplaceRatePerMinute int `yaml:"marketplace_rate_per_minute"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Планировщик пересинхронизации. Нули = прод-дефолты:
	// открытые заказы 10..20 минут, закрытые 24 часа, partial 2 минуты,
	// backoff 5/15/30/60 минут.
	WorkerClosedTTLSeconds  int `yaml:"worker_closed_ttl_seconds"`
	WorkerOpenMinTTLSeconds int `yaml:"worker_open_min_ttl_seconds"`
	WorkerOpenMaxTTLSeconds int `yaml:"worker_open_max_ttl_seconds"`
	WorkerPartialTTLSeconds int `yaml:"worker_partial_ttl_seconds"`
	WorkerBackoff1Seconds   int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds   int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds   int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds   int `yaml:"worker_backoff_4_seconds"`

	MarketplaceBaseURL string `yaml:"marketplace_base_url"`
	MarketplaceMode    string `yaml:"marketplace_mode"` // "rest" | "fake"

	// Аккаунты, за которыми API-процесс следит фоновым reconciler'ом.
	WatchAccountIDs []string `yaml:"watch_account_ids"`

	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	ReconcileMinGapSeconds   int `yaml:"reconcile_min_gap_seconds"`
	ReconcileQuietSeconds    int `yaml:"reconcile_quiet_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
