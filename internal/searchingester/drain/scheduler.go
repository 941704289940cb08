// Package drain promotes staged merge range rows into index operations. A periodic
// scheduler fans out over every (entity type, tenant) cell with staged data; a stored
// lock with a watermark timestamp guarantees at most one concurrent drain per cell while
// unrelated cells drain fully in parallel.
package drain

import (
	"time"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/logging"
	"github.com/opencatalog/searchingester/internal/searchingester/ingesterrors"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/tenant"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// MergeReader is the merge range store surface the scheduler drains from.
type MergeReader interface {
	TenantsWithData(ctx *appcontext.Context, entity model.EntityType) ([]string, error)
	FetchChangedSince(ctx *appcontext.Context, entity model.EntityType, tenant string, since time.Time, limit int) (*model.ChangedPage, error)
	PurgeEntities(ctx *appcontext.Context, entity model.EntityType, ids []string) error
	PurgeEntitiesForTenant(ctx *appcontext.Context, entity model.EntityType, ids []string, tenant string) error
}

// RangeLock coordinates drain runs across processes. TryAcquire returns the cell's stored
// watermark and an owner token on success, and ok=false on contention. Release must pass
// the token back so a stale runner cannot unlock a lock that was taken over.
type RangeLock interface {
	TryAcquire(ctx *appcontext.Context, entity model.EntityType, tenant string) (time.Time, string, bool, error)
	Release(ctx *appcontext.Context, entity model.EntityType, tenant string, owner string, watermark time.Time) error
}

// Indexer materializes drained rows into the search index.
type Indexer interface {
	Index(ctx *appcontext.Context, tenant string, events []*model.ResourceEvent) error
}

// ChildResourcePersister fans a drained instance or item out into its derived child
// resources (contributors, subjects, classifications, call numbers).
type ChildResourcePersister interface {
	PersistChildren(ctx *appcontext.Context, tenant string, entity model.EntityType, events []*model.ResourceEvent) error
}

type Config struct {
	// Tick interval between drain passes.
	Interval time.Duration
	// Maximum rows fetched per cell per pass.
	FetchLimit int
	// Entity types to drain, in order. Nil means all known entity types.
	Entities []model.EntityType
	// When a drain run fails after fetching rows, release the lock with the fetched
	// window's watermark instead of the pre-fetch one. Advancing on failure trades
	// re-work for the risk of skipping rows that were never actually indexed, so it
	// is off unless explicitly enabled.
	AdvanceWatermarkOnFailure bool
}

type Scheduler struct {
	store    MergeReader
	lock     RangeLock
	executor *tenant.Executor
	indexer  Indexer
	children ChildResourcePersister
	config   Config
	metrics  *metrics.Metrics
	clock    clock.WithTicker
}

func NewScheduler(
	store MergeReader,
	lock RangeLock,
	executor *tenant.Executor,
	indexer Indexer,
	children ChildResourcePersister,
	config Config,
	m *metrics.Metrics,
) *Scheduler {
	if len(config.Entities) == 0 {
		config.Entities = model.AllEntityTypes()
	}
	return &Scheduler{
		store:    store,
		lock:     lock,
		executor: executor,
		indexer:  indexer,
		children: children,
		config:   config,
		metrics:  m,
		clock:    clock.RealClock{},
	}
}

// Run drains periodically until the context is cancelled.
func (s *Scheduler) Run(ctx *appcontext.Context) {
	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one drain pass over every (entity type, tenant) cell with staged data.
// Cells drain in parallel; a failing cell logs and never aborts the pass.
func (s *Scheduler) RunOnce(ctx *appcontext.Context) {
	group, groupCtx := appcontext.ErrGroup(ctx)
	for _, entity := range s.config.Entities {
		tenants, err := s.store.TenantsWithData(ctx, entity)
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).WithField("entity", entity).
				Error("failed to list tenants with staged data")
			continue
		}
		for _, tenantID := range tenants {
			entity, tenantID := entity, tenantID
			group.Go(func() error {
				s.drainCell(groupCtx, entity, tenantID)
				return nil
			})
		}
	}
	_ = group.Wait()
}

func (s *Scheduler) drainCell(ctx *appcontext.Context, entity model.EntityType, tenantID string) {
	err := s.executor.Run(ctx, tenantID, func(ctx *appcontext.Context) error {
		ctx = appcontext.WithLogField(ctx, "entity", entity)
		watermark, owner, acquired, err := s.lock.TryAcquire(ctx, entity, tenantID)
		if err != nil {
			return err
		}
		if !acquired {
			s.metrics.RecordDrainRun(string(entity), metrics.DrainResultSkipped)
			return nil
		}

		releaseWatermark, runErr := s.drainLocked(ctx, entity, tenantID, watermark)
		if runErr != nil {
			// The lock is released even after a failed run so the cell cannot wedge;
			// the un-advanced watermark makes the next pass retry the same window.
			logging.WithStacktrace(ctx.Log, runErr).Error("drain run failed")
			s.metrics.RecordDrainRun(string(entity), metrics.DrainResultFailure)
		} else {
			s.metrics.RecordDrainRun(string(entity), metrics.DrainResultSuccess)
		}
		return s.lock.Release(ctx, entity, tenantID, owner, releaseWatermark)
	})
	if err == nil {
		return
	}
	entry := ctx.Log.WithFields(logrus.Fields{"tenant": tenantID, "entity": entity})
	if ingesterrors.IsAuthorization(err) {
		s.metrics.RecordTenantSkipped()
		entry.WithError(err).Warn("skipping drain cell: tenant context setup failed")
		return
	}
	logging.WithStacktrace(entry, err).Error("error draining cell")
}

// drainLocked runs the fetch-convert-submit cycle for one cell and returns the watermark
// the lock should be released with.
func (s *Scheduler) drainLocked(
	ctx *appcontext.Context,
	entity model.EntityType,
	tenantID string,
	watermark time.Time,
) (time.Time, error) {
	page, err := s.store.FetchChangedSince(ctx, entity, tenantID, watermark, s.config.FetchLimit)
	if err != nil {
		return watermark, err
	}
	if len(page.Rows) == 0 {
		return watermark, nil
	}

	advanced := watermark
	if page.LastUpdated.After(watermark) {
		advanced = page.LastUpdated
	}
	failureWatermark := watermark
	if s.config.AdvanceWatermarkOnFailure {
		failureWatermark = advanced
	}

	if entity == model.EntityInstance || entity == model.EntityItem {
		if err := s.drainWithChildren(ctx, entity, tenantID, page.Rows); err != nil {
			return failureWatermark, err
		}
	} else {
		if err := s.indexer.Index(ctx, tenantID, eventsOf(page.Rows)); err != nil {
			return failureWatermark, err
		}
	}
	return advanced, nil
}

// drainWithChildren handles the instance and item cells: live rows fan out into derived
// child resources, soft-deleted rows are purged from the merge store. Instance deletions
// purge globally since shared copies exist under other tenants; item deletions stay
// tenant-scoped.
func (s *Scheduler) drainWithChildren(
	ctx *appcontext.Context,
	entity model.EntityType,
	tenantID string,
	rows []model.StagedRow,
) error {
	var live []*model.ResourceEvent
	var deletedIds []string
	for _, row := range rows {
		if row.IsDeleted {
			deletedIds = append(deletedIds, row.ID)
		} else {
			live = append(live, eventOf(row))
		}
	}
	if len(live) > 0 {
		if err := s.children.PersistChildren(ctx, tenantID, entity, live); err != nil {
			return err
		}
	}
	if entity == model.EntityItem {
		return s.store.PurgeEntitiesForTenant(ctx, entity, deletedIds, tenantID)
	}
	return s.store.PurgeEntities(ctx, entity, deletedIds)
}

func eventsOf(rows []model.StagedRow) []*model.ResourceEvent {
	events := make([]*model.ResourceEvent, len(rows))
	for i, row := range rows {
		events[i] = eventOf(row)
	}
	return events
}

// eventOf converts a staged row back into a resource event: DELETE for tombstones,
// UPDATE otherwise.
func eventOf(row model.StagedRow) *model.ResourceEvent {
	event := &model.ResourceEvent{
		ID:     row.ID,
		Tenant: row.Tenant,
	}
	if row.IsDeleted {
		event.Type = model.Delete
		event.Old = row.Payload
	} else {
		event.Type = model.Update
		event.New = row.Payload
	}
	if row.Shared {
		event.Provenance = model.ProvenanceShared
	}
	return event
}

// WithClock replaces the scheduler's clock. Used by tests.
func (s *Scheduler) WithClock(c clock.WithTicker) *Scheduler {
	s.clock = c
	return s
}
