package configuration

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opencatalog/searchingester/internal/common/pulsarutils"
)

type SearchIngesterConfiguration struct {
	// Merge range database configuration
	Postgres PostgresConfig
	// Reference-data cache configuration
	Redis redis.UniversalOptions
	// Metrics configuration
	MetricsPort uint16
	// General Pulsar configuration
	Pulsar pulsarutils.PulsarConfig `validate:"required"`
	// Pulsar subscription name shared by all resource event consumers
	SubscriptionName string `validate:"required"`
	// Topics carrying raw resource events, keyed by resource name
	Topics TopicsConfig
	// Number of records that will be batched together before being dispatched
	BatchSize int `validate:"gt=0"`
	// Maximum time since the last batch before a partial batch is dispatched anyway
	BatchDuration time.Duration `validate:"gt=0"`
	// Retry policy applied to each tenant's kind group before per-record fallback logging
	Retry RetryConfig
	// Background merge range drain configuration
	Drain DrainConfig
	// Tenant provisioning and consortium topology
	Tenants TenantsConfig
	// Name of the reference-data cache evicted on browse config deletions
	BrowseConfigCacheName string `validate:"required"`
	// When true the ingester runs in bulk reindex mode: staging uses the bulk upsert
	// path and reindex range events are accepted
	BulkReindex bool
}

type PostgresConfig struct {
	// Connection details passed through to the pgx pool, e.g. host, port, user,
	// password, dbname, sslmode
	Connection map[string]string `validate:"required"`
}

type TopicsConfig struct {
	// Resource event topics consumed by the main pipeline
	ResourceTopics []string `validate:"min=1"`
	// Topic index-instance signals are published to, per target tenant
	SignalTopic string `validate:"required"`
	// Topic drained index operations are forwarded to
	IndexTopic string `validate:"required"`
	// Topic drained instance and item rows are forwarded to for child-resource fan-out
	ChildResourceTopic string `validate:"required"`
}

type RetryConfig struct {
	MaxAttempts    int           `validate:"gt=0"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gt=0"`
}

type DrainConfig struct {
	// Tick interval between drain passes
	Interval time.Duration `validate:"gt=0"`
	// Maximum rows fetched per (entity type, tenant) cell per pass
	FetchLimit int `validate:"gt=0"`
	// Age after which another runner's held lock is considered stale and taken over
	LockTakeoverTimeout time.Duration `validate:"gt=0"`
	// Entity types to drain; empty means all
	Entities []string
	// Release a failed run's lock with the fetched window's watermark instead of the
	// pre-fetch one
	AdvanceWatermarkOnFailure bool
}

type TenantsConfig struct {
	// Tenants the ingester holds credentials for; events for any other tenant are
	// skipped with a warning
	Provisioned []string `validate:"min=1"`
	// Member tenant to consortium central tenant mapping
	CentralTenants map[string]string
}
