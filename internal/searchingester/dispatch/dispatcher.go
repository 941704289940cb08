// Package dispatch is the top-level entry point for consumer batches. It intercepts and
// deduplicates raw records, groups them by tenant, and hands each tenant's kind-groups to
// the appropriate sink under that tenant's security context, with a bounded
// retry-then-fallback policy so one poisoned record can never stall a partition.
package dispatch

import (
	"time"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/ingest"
	"github.com/opencatalog/searchingester/internal/common/logging"
	"github.com/opencatalog/searchingester/internal/searchingester/dedup"
	"github.com/opencatalog/searchingester/internal/searchingester/ingesterrors"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/tenant"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SearchIndexer materializes resource events into the search index. Implementations are
// provided by the host application.
type SearchIndexer interface {
	Index(ctx *appcontext.Context, tenant string, events []*model.ResourceEvent) error
	IndexInstanceIds(ctx *appcontext.Context, tenant string, instanceIds []string) error
}

// CacheInvalidator evicts a named reference-data cache.
type CacheInvalidator interface {
	EvictAll(ctx *appcontext.Context, cacheName string) error
}

// StagingProcessor stages one tenant's deduplicated instance-family events.
type StagingProcessor interface {
	ProcessTenant(ctx *appcontext.Context, tenant string, records []model.RawRecord) error
}

// Handler processes one tenant's records of a single resource kind.
type Handler func(ctx *appcontext.Context, tenantID string, records []model.RawRecord) error

type Config struct {
	// Number of attempts for a kind-group before falling back to per-record logging.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Name of the reference-data cache evicted after browse config deletions.
	BrowseConfigCacheName string
}

type Dispatcher struct {
	executor *tenant.Executor
	staging  StagingProcessor
	indexer  SearchIndexer
	cache    CacheInvalidator
	config   Config
	metrics  *metrics.Metrics
	handlers map[model.ResourceKind]Handler
}

// NewDispatcher builds the dispatcher and its kind-to-handler table. The table is validated
// to cover every known resource kind, so an unhandled kind is a configuration error at
// startup rather than a runtime surprise.
func NewDispatcher(
	executor *tenant.Executor,
	staging StagingProcessor,
	indexer SearchIndexer,
	cache CacheInvalidator,
	config Config,
	m *metrics.Metrics,
) (*Dispatcher, error) {
	d := &Dispatcher{
		executor: executor,
		staging:  staging,
		indexer:  indexer,
		cache:    cache,
		config:   config,
		metrics:  m,
	}
	d.handlers = map[model.ResourceKind]Handler{
		model.KindInstance:           d.handleStaging,
		model.KindHoldings:           d.handleStaging,
		model.KindItem:               d.handleStaging,
		model.KindBoundWith:          d.handleStaging,
		model.KindAuthority:          d.handleAuthority,
		model.KindLocation:           d.handleLocationUnits,
		model.KindCampus:             d.handleLocationUnits,
		model.KindLibrary:            d.handleLocationUnits,
		model.KindInstitution:        d.handleLocationUnits,
		model.KindBrowseConfig:       d.handleBrowseConfig,
		model.KindLinkedDataInstance: d.handleDirectIndex,
		model.KindLinkedDataWork:     d.handleDirectIndex,
	}
	for _, kind := range model.AllKinds() {
		if _, ok := d.handlers[kind]; !ok {
			return nil, errors.Errorf("no handler registered for resource kind %q", kind)
		}
	}
	return d, nil
}

// HandleBatch processes one consumer batch end to end. It always returns nil for batches it
// was able to walk: every failure inside is handled by skip-and-log or retry-then-fallback
// at tenant-group or kind-group granularity, so the consumer can commit its offsets and
// move on. Recovery then relies on redelivery or the next drain cycle.
func (d *Dispatcher) HandleBatch(ctx *appcontext.Context, batch *model.RawRecordsWithIds) error {
	records := d.intercept(batch.Records)
	for _, group := range groupByTenant(records) {
		tenantID := group.tenant
		err := d.executor.Run(ctx, tenantID, func(ctx *appcontext.Context) error {
			d.processTenantGroup(ctx, tenantID, group.records)
			return nil
		})
		if err == nil {
			continue
		}
		if ingesterrors.IsAuthorization(err) {
			d.metrics.RecordTenantSkipped()
			ctx.Log.WithError(err).WithField("tenant", tenantID).
				Warn("skipping tenant group: tenant context setup failed")
			continue
		}
		logging.WithStacktrace(ctx.Log, err).WithField("tenant", tenantID).
			Error("error processing tenant group")
	}
	return nil
}

// intercept collapses the instance-family subset of the batch to one effective event per
// key before any business logic sees it. Non-family records pass through untouched.
func (d *Dispatcher) intercept(records []model.RawRecord) []model.RawRecord {
	family := make([]model.RawRecord, 0, len(records))
	rest := make([]model.RawRecord, 0, len(records))
	for _, r := range records {
		d.metrics.RecordEventsConsumed(r.Event.Kind.String(), 1)
		if r.Event.Kind.IsInstanceFamily() {
			family = append(family, r)
		} else {
			rest = append(rest, r)
		}
	}
	collapsed := dedup.Collapse(family)
	d.metrics.RecordEventsDeduplicated(len(family) - len(collapsed))
	return append(collapsed, rest...)
}

func (d *Dispatcher) processTenantGroup(ctx *appcontext.Context, tenantID string, records []model.RawRecord) {
	for _, group := range groupByKind(records) {
		handler, ok := d.handlers[group.kind]
		if !ok {
			for _, r := range group.records {
				d.logFallback(ctx, r, errors.Errorf("unknown resource name %q", r.Event.ResourceName))
			}
			continue
		}
		kindGroup := group
		err := ingest.WithRetry(func() (bool, error) {
			return true, handler(ctx, tenantID, kindGroup.records)
		}, d.config.MaxAttempts, d.config.InitialBackoff, d.config.MaxBackoff)
		if err != nil {
			// Consume with fallback: the grouped handler gave up, so log each record
			// with its metadata and drop it from this attempt.
			for _, r := range kindGroup.records {
				d.logFallback(ctx, r, err)
			}
		}
	}
}

func (d *Dispatcher) logFallback(ctx *appcontext.Context, r model.RawRecord, err error) {
	d.metrics.RecordFallbackEvent(r.Event.Kind.String())
	logging.WithStacktrace(ctx.Log, err).WithFields(logrus.Fields{
		"tenant":    r.Event.Tenant,
		"resource":  r.Event.ResourceName,
		"eventType": r.Event.Type,
		"id":        r.Event.ID,
	}).Error("failed to process event")
}

func (d *Dispatcher) handleStaging(ctx *appcontext.Context, tenantID string, records []model.RawRecord) error {
	return d.staging.ProcessTenant(ctx, tenantID, records)
}

// handleAuthority indexes authority events, dropping consortium-shared copies: those are
// indexed by the owning central tenant only.
func (d *Dispatcher) handleAuthority(ctx *appcontext.Context, tenantID string, records []model.RawRecord) error {
	events := make([]*model.ResourceEvent, 0, len(records))
	for _, r := range records {
		if r.Event.Provenance == model.ProvenanceShared {
			continue
		}
		events = append(events, r.Event)
	}
	if len(events) == 0 {
		return nil
	}
	return d.indexer.Index(ctx, tenantID, events)
}

// handleLocationUnits indexes location, campus, library and institution events, dropping
// shadow records.
func (d *Dispatcher) handleLocationUnits(ctx *appcontext.Context, tenantID string, records []model.RawRecord) error {
	events := make([]*model.ResourceEvent, 0, len(records))
	for _, r := range records {
		if model.BoolField(r.Event.Payload(), "isShadow") {
			continue
		}
		events = append(events, r.Event)
	}
	if len(events) == 0 {
		return nil
	}
	return d.indexer.Index(ctx, tenantID, events)
}

// handleBrowseConfig forwards browse config deletions only, and evicts the reference-data
// cache once they have been indexed.
func (d *Dispatcher) handleBrowseConfig(ctx *appcontext.Context, tenantID string, records []model.RawRecord) error {
	events := make([]*model.ResourceEvent, 0, len(records))
	for _, r := range records {
		if r.Event.Type != model.Delete {
			continue
		}
		events = append(events, r.Event)
	}
	if len(events) == 0 {
		return nil
	}
	if err := d.indexer.Index(ctx, tenantID, events); err != nil {
		return err
	}
	return d.cache.EvictAll(ctx, d.config.BrowseConfigCacheName)
}

func (d *Dispatcher) handleDirectIndex(ctx *appcontext.Context, tenantID string, records []model.RawRecord) error {
	events := make([]*model.ResourceEvent, 0, len(records))
	for _, r := range records {
		events = append(events, r.Event)
	}
	return d.indexer.Index(ctx, tenantID, events)
}

type tenantGroup struct {
	tenant  string
	records []model.RawRecord
}

func groupByTenant(records []model.RawRecord) []tenantGroup {
	indexByTenant := make(map[string]int)
	groups := make([]tenantGroup, 0, 1)
	for _, r := range records {
		idx, ok := indexByTenant[r.Event.Tenant]
		if !ok {
			idx = len(groups)
			indexByTenant[r.Event.Tenant] = idx
			groups = append(groups, tenantGroup{tenant: r.Event.Tenant})
		}
		groups[idx].records = append(groups[idx].records, r)
	}
	return groups
}

type kindGroup struct {
	kind    model.ResourceKind
	records []model.RawRecord
}

func groupByKind(records []model.RawRecord) []kindGroup {
	indexByKind := make(map[model.ResourceKind]int)
	groups := make([]kindGroup, 0, 4)
	for _, r := range records {
		idx, ok := indexByKind[r.Event.Kind]
		if !ok {
			idx = len(groups)
			indexByKind[r.Event.Kind] = idx
			groups = append(groups, kindGroup{kind: r.Event.Kind})
		}
		groups[idx].records = append(groups[idx].records, r)
	}
	return groups
}
