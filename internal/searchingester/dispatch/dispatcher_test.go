package dispatch

import (
	"testing"
	"time"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/tenant"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenantA = "diku"
	tenantB = "holmes"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stagedCall struct {
	tenant  string
	records []model.RawRecord
}

type fakeStaging struct {
	calls     []stagedCall
	failFor   map[string]int
	callCount map[string]int
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{failFor: map[string]int{}, callCount: map[string]int{}}
}

func (f *fakeStaging) ProcessTenant(_ *appcontext.Context, tenantID string, records []model.RawRecord) error {
	f.callCount[tenantID]++
	if remaining := f.failFor[tenantID]; remaining > 0 {
		f.failFor[tenantID] = remaining - 1
		return errors.New("staging unavailable")
	}
	f.calls = append(f.calls, stagedCall{tenant: tenantID, records: records})
	return nil
}

type indexedCall struct {
	tenant string
	events []*model.ResourceEvent
}

type fakeIndexer struct {
	indexed []indexedCall
	signals map[string][]string
	err     error
}

func (f *fakeIndexer) Index(_ *appcontext.Context, tenantID string, events []*model.ResourceEvent) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, indexedCall{tenant: tenantID, events: events})
	return nil
}

func (f *fakeIndexer) IndexInstanceIds(_ *appcontext.Context, tenantID string, ids []string) error {
	if f.signals == nil {
		f.signals = map[string][]string{}
	}
	f.signals[tenantID] = append(f.signals[tenantID], ids...)
	return nil
}

type fakeCache struct {
	evicted []string
}

func (f *fakeCache) EvictAll(_ *appcontext.Context, cacheName string) error {
	f.evicted = append(f.evicted, cacheName)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	staging    *fakeStaging
	indexer    *fakeIndexer
	cache      *fakeCache
}

func setup(t *testing.T, provisioned ...string) *fixture {
	if len(provisioned) == 0 {
		provisioned = []string{tenantA, tenantB}
	}
	staging := newFakeStaging()
	indexer := &fakeIndexer{}
	cache := &fakeCache{}
	dispatcher, err := NewDispatcher(
		tenant.NewExecutor(tenant.NewStaticSecurityContext(provisioned)),
		staging,
		indexer,
		cache,
		Config{
			MaxAttempts:           3,
			InitialBackoff:        time.Nanosecond,
			MaxBackoff:            time.Nanosecond,
			BrowseConfigCacheName: "browse-config",
		},
		metrics.Get(),
	)
	require.NoError(t, err)
	return &fixture{dispatcher: dispatcher, staging: staging, indexer: indexer, cache: cache}
}

func record(tenantID, resourceName, id string, eventType model.EventType, offset time.Duration) model.RawRecord {
	kind := model.KindOf(resourceName)
	return model.RawRecord{
		Key:       id,
		Tenant:    tenantID,
		Timestamp: baseTime.Add(offset),
		Event: &model.ResourceEvent{
			ID:           id,
			Type:         eventType,
			Tenant:       tenantID,
			ResourceName: resourceName,
			Kind:         kind,
			New:          map[string]any{"id": id},
		},
	}
}

func batch(records ...model.RawRecord) *model.RawRecordsWithIds {
	return &model.RawRecordsWithIds{Records: records}
}

func TestHandleBatch_StagesInstanceFamilyPerTenant(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "instance", "inst-1", model.Update, 0),
		record(tenantB, "item", "item-1", model.Create, time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.staging.calls, 2)
	assert.Equal(t, tenantA, f.staging.calls[0].tenant)
	assert.Equal(t, "inst-1", f.staging.calls[0].records[0].Event.ID)
	assert.Equal(t, tenantB, f.staging.calls[1].tenant)
	assert.Equal(t, "item-1", f.staging.calls[1].records[0].Event.ID)
}

func TestHandleBatch_DeduplicatesBeforeGrouping(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "instance", "inst-1", model.Create, 0),
		record(tenantA, "instance", "inst-1", model.Update, time.Second),
		record(tenantA, "instance", "inst-1", model.Update, 2*time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.staging.calls, 1)
	records := f.staging.calls[0].records
	require.Len(t, records, 1)
	assert.Equal(t, model.Update, records[0].Event.Type)
	assert.Equal(t, baseTime.Add(2*time.Second), records[0].Timestamp)
}

func TestHandleBatch_OwnershipTransferSpansTenants(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantB, "item", "item-1", model.Delete, 2*time.Second),
		record(tenantA, "item", "item-1", model.Create, time.Second),
	))
	require.NoError(t, err)
	// Both sides of the transfer survive deduplication, each staged under its own tenant,
	// earlier event first.
	require.Len(t, f.staging.calls, 2)
	assert.Equal(t, tenantA, f.staging.calls[0].tenant)
	assert.Equal(t, model.Create, f.staging.calls[0].records[0].Event.Type)
	assert.Equal(t, tenantB, f.staging.calls[1].tenant)
	assert.Equal(t, model.Delete, f.staging.calls[1].records[0].Event.Type)
}

func TestHandleBatch_SkipsUnprovisionedTenant(t *testing.T) {
	f := setup(t, tenantA)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantB, "instance", "inst-1", model.Update, 0),
		record(tenantA, "instance", "inst-2", model.Update, time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.staging.calls, 1)
	assert.Equal(t, tenantA, f.staging.calls[0].tenant)
}

func TestHandleBatch_TenantFailureDoesNotBlockOthers(t *testing.T) {
	f := setup(t)
	f.staging.failFor[tenantA] = 10
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "instance", "inst-1", model.Update, 0),
		record(tenantB, "instance", "inst-2", model.Update, time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.staging.calls, 1)
	assert.Equal(t, tenantB, f.staging.calls[0].tenant)
}

func TestHandleBatch_RetriesThenSucceeds(t *testing.T) {
	f := setup(t)
	f.staging.failFor[tenantA] = 2
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "instance", "inst-1", model.Update, 0),
	))
	require.NoError(t, err)
	assert.Equal(t, 3, f.staging.callCount[tenantA])
	require.Len(t, f.staging.calls, 1)
}

func TestHandleBatch_GivesUpAfterMaxAttempts(t *testing.T) {
	f := setup(t)
	f.staging.failFor[tenantA] = 10
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "instance", "inst-1", model.Update, 0),
	))
	require.NoError(t, err)
	assert.Equal(t, 3, f.staging.callCount[tenantA])
	assert.Empty(t, f.staging.calls)
}

func TestHandleBatch_AuthorityFiltersSharedCopies(t *testing.T) {
	f := setup(t)
	local := record(tenantA, "authority", "auth-1", model.Update, 0)
	shared := record(tenantA, "authority", "auth-2", model.Update, time.Second)
	shared.Event.Provenance = model.ProvenanceShared
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(local, shared))
	require.NoError(t, err)
	require.Len(t, f.indexer.indexed, 1)
	events := f.indexer.indexed[0].events
	require.Len(t, events, 1)
	assert.Equal(t, "auth-1", events[0].ID)
}

func TestHandleBatch_LocationUnitsFilterShadowRecords(t *testing.T) {
	f := setup(t)
	visible := record(tenantA, "location", "loc-1", model.Update, 0)
	shadow := record(tenantA, "location", "loc-2", model.Update, time.Second)
	shadow.Event.New["isShadow"] = true
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(visible, shadow))
	require.NoError(t, err)
	require.Len(t, f.indexer.indexed, 1)
	events := f.indexer.indexed[0].events
	require.Len(t, events, 1)
	assert.Equal(t, "loc-1", events[0].ID)
}

func TestHandleBatch_BrowseConfigKeepsDeletesAndEvictsCache(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "browse-config-data", "cfg-1", model.Update, 0),
		record(tenantA, "browse-config-data", "cfg-2", model.Delete, time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.indexer.indexed, 1)
	events := f.indexer.indexed[0].events
	require.Len(t, events, 1)
	assert.Equal(t, "cfg-2", events[0].ID)
	assert.Equal(t, []string{"browse-config"}, f.cache.evicted)
}

func TestHandleBatch_BrowseConfigUpsertsSkipCacheEviction(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "browse-config-data", "cfg-1", model.Update, 0),
	))
	require.NoError(t, err)
	assert.Empty(t, f.indexer.indexed)
	assert.Empty(t, f.cache.evicted)
}

func TestHandleBatch_LinkedDataIndexedDirectly(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "linked-data-work", "work-1", model.Update, 0),
	))
	require.NoError(t, err)
	require.Len(t, f.indexer.indexed, 1)
	assert.Equal(t, "work-1", f.indexer.indexed[0].events[0].ID)
}

func TestHandleBatch_UnknownKindDroppedWithoutError(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "no_such_resource", "x-1", model.Update, 0),
		record(tenantA, "instance", "inst-1", model.Update, time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.staging.calls, 1)
	assert.Equal(t, "inst-1", f.staging.calls[0].records[0].Event.ID)
}

func TestHandleBatch_IndexerFailureConfinedToKindGroup(t *testing.T) {
	f := setup(t)
	f.indexer.err = errors.New("search cluster unavailable")
	err := f.dispatcher.HandleBatch(appcontext.Background(), batch(
		record(tenantA, "authority", "auth-1", model.Update, 0),
		record(tenantA, "instance", "inst-1", model.Update, time.Second),
	))
	require.NoError(t, err)
	require.Len(t, f.staging.calls, 1)
	assert.Equal(t, "inst-1", f.staging.calls[0].records[0].Event.ID)
}
