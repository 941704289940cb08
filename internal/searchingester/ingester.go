// Package searchingester wires the full ingestion pipeline together: resource event
// consumption, batch dispatch, instance signal routing and the background merge range
// drain, all feeding the downstream indexing services.
package searchingester

import (
	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opencatalog/searchingester/internal/common"
	"github.com/opencatalog/searchingester/internal/common/app"
	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/database"
	"github.com/opencatalog/searchingester/internal/common/ingest"
	"github.com/opencatalog/searchingester/internal/common/logging"
	"github.com/opencatalog/searchingester/internal/common/pulsarutils"
	"github.com/opencatalog/searchingester/internal/searchingester/configuration"
	"github.com/opencatalog/searchingester/internal/searchingester/convert"
	"github.com/opencatalog/searchingester/internal/searchingester/dispatch"
	"github.com/opencatalog/searchingester/internal/searchingester/drain"
	"github.com/opencatalog/searchingester/internal/searchingester/forwarder"
	"github.com/opencatalog/searchingester/internal/searchingester/mergedb"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/router"
	"github.com/opencatalog/searchingester/internal/searchingester/signals"
	"github.com/opencatalog/searchingester/internal/searchingester/staging"
	"github.com/opencatalog/searchingester/internal/searchingester/tenant"
)

// Run creates the full ingestion pipeline and runs it until a SIGTERM is received.
func Run(config *configuration.SearchIngesterConfiguration) {
	logrus.Info("Search Ingester Starting")
	m := metrics.Get()

	ctx := appcontext.New(app.CreateContextWithShutdown(), logrus.NewEntry(logrus.StandardLogger()))

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	pool, err := database.OpenPgxPool(ctx, config.Postgres.Connection)
	if err != nil {
		panic(errors.WithMessage(err, "Error opening connection to postgres"))
	}
	defer pool.Close()

	store := mergedb.NewMergeStore(pool, m)
	err = database.ExecuteWithDatabaseRetry(ctx, func() error { return store.InitSchema(ctx) })
	if err != nil {
		panic(errors.WithMessage(err, "Error initialising merge range schema"))
	}

	redisClient := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logrus.WithError(err).Error("failed to close redis client")
		}
	}()

	pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
	if err != nil {
		panic(errors.WithMessage(err, "Error creating pulsar client"))
	}
	defer pulsarClient.Close()

	signalPublisher, err := forwarder.NewPublisher(pulsarClient, config.Topics.SignalTopic)
	if err != nil {
		panic(errors.WithMessage(err, "Error creating signal publisher"))
	}
	defer signalPublisher.Close()

	indexForwarder, err := forwarder.NewIndexForwarder(pulsarClient, config.Topics.IndexTopic)
	if err != nil {
		panic(errors.WithMessage(err, "Error creating index forwarder"))
	}
	defer indexForwarder.Close()

	childForwarder, err := forwarder.NewChildResourceForwarder(pulsarClient, config.Topics.ChildResourceTopic)
	if err != nil {
		panic(errors.WithMessage(err, "Error creating child resource forwarder"))
	}
	defer childForwarder.Close()

	executor := tenant.NewExecutor(tenant.NewStaticSecurityContext(config.Tenants.Provisioned))
	resolver := tenant.NewStaticResolver(config.Tenants.CentralTenants)

	mode := model.ModeRealTime
	if config.BulkReindex {
		mode = model.ModeBulkReindex
	}
	dispatcher, err := dispatch.NewDispatcher(
		executor,
		staging.NewProcessor(store, mode),
		indexForwarder,
		forwarder.NewRedisCacheInvalidator(redisClient),
		dispatch.Config{
			MaxAttempts:           config.Retry.MaxAttempts,
			InitialBackoff:        config.Retry.InitialBackoff,
			MaxBackoff:            config.Retry.MaxBackoff,
			BrowseConfigCacheName: config.BrowseConfigCacheName,
		},
		m,
	)
	if err != nil {
		panic(errors.WithMessage(err, "Error creating batch dispatcher"))
	}

	eventPipeline := ingest.NewIngestionPipeline[*model.RawRecordsWithIds](
		config.Pulsar,
		config.Topics.ResourceTopics,
		config.SubscriptionName,
		config.BatchSize,
		config.BatchDuration,
		pulsar.KeyShared,
		convert.NewEventConverter(m),
		&eventSink{
			dispatcher: dispatcher,
			router:     router.NewRouter(resolver, signalPublisher, m),
		},
		m.RecordConnectionError,
	)

	signalPipeline := ingest.NewIngestionPipeline[*signals.SignalsWithIds](
		config.Pulsar,
		[]string{config.Topics.SignalTopic},
		config.SubscriptionName+"-signals",
		config.BatchSize,
		config.BatchDuration,
		pulsar.KeyShared,
		signals.NewConverter(m),
		signals.NewSink(executor, indexForwarder, signals.RetryConfig(config.Retry), m),
		m.RecordConnectionError,
	)

	scheduler := drain.NewScheduler(
		store,
		mergedb.NewSubResourceLock(pool, config.Drain.LockTakeoverTimeout, m),
		executor,
		indexForwarder,
		childForwarder,
		drain.Config{
			Interval:                  config.Drain.Interval,
			FetchLimit:                config.Drain.FetchLimit,
			Entities:                  drainEntities(config.Drain.Entities),
			AdvanceWatermarkOnFailure: config.Drain.AdvanceWatermarkOnFailure,
		},
		m,
	)

	group, groupCtx := appcontext.ErrGroup(ctx)
	group.Go(func() error { return eventPipeline.Run(groupCtx) })
	group.Go(func() error { return signalPipeline.Run(groupCtx) })
	group.Go(func() error { scheduler.Run(groupCtx); return nil })
	if err := group.Wait(); err != nil {
		panic(errors.WithMessage(err, "Error running ingestion pipeline"))
	}
}

// eventSink dispatches each batch, then routes instance-family records into index-trigger
// signals. Routing failures are logged but never block the batch: signal redelivery is
// recovered by the next drain cycle.
type eventSink struct {
	dispatcher *dispatch.Dispatcher
	router     *router.Router
}

func (s *eventSink) Store(ctx *appcontext.Context, batch *model.RawRecordsWithIds) error {
	if err := s.dispatcher.HandleBatch(ctx, batch); err != nil {
		return err
	}
	for _, rec := range batch.Records {
		if !rec.Event.Kind.IsInstanceFamily() && rec.Event.Type != model.Reindex {
			continue
		}
		if _, err := s.router.Route(ctx, rec); err != nil {
			logging.WithStacktrace(ctx.Log, err).WithFields(logrus.Fields{
				"tenant": rec.Event.Tenant,
				"id":     rec.Event.ID,
			}).Error("failed to route index signal")
		}
	}
	return nil
}

func drainEntities(names []string) []model.EntityType {
	entities := make([]model.EntityType, len(names))
	for i, name := range names {
		entities[i] = model.EntityType(name)
	}
	return entities
}
