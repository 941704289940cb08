package staging

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/dedup"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
)

const testTenant = "tenant-a"

type saveCall struct {
	tenant string
	entity model.EntityType
	mode   model.IndexMode
	rows   []model.StagedEntity
}

type deleteCall struct {
	entity model.EntityType
	ids    []string
	tenant string
}

type boundWithCall struct {
	tenant     string
	instanceID string
	bound      bool
}

type recordingStore struct {
	saves         []saveCall
	globalDeletes []deleteCall
	tenantDeletes []deleteCall
	boundWith     []boundWithCall
	failEntity    model.EntityType
}

func (s *recordingStore) SaveEntities(_ *appcontext.Context, tenant string, entity model.EntityType, mode model.IndexMode, rows []model.StagedEntity) error {
	if entity == s.failEntity {
		return errors.New("save failed")
	}
	if len(rows) > 0 {
		s.saves = append(s.saves, saveCall{tenant: tenant, entity: entity, mode: mode, rows: rows})
	}
	return nil
}

func (s *recordingStore) DeleteEntities(_ *appcontext.Context, entity model.EntityType, ids []string) error {
	s.globalDeletes = append(s.globalDeletes, deleteCall{entity: entity, ids: ids})
	return nil
}

func (s *recordingStore) DeleteEntitiesForTenant(_ *appcontext.Context, entity model.EntityType, ids []string, tenant string) error {
	s.tenantDeletes = append(s.tenantDeletes, deleteCall{entity: entity, ids: ids, tenant: tenant})
	return nil
}

func (s *recordingStore) UpdateBoundWith(_ *appcontext.Context, tenant string, instanceID string, bound bool) error {
	s.boundWith = append(s.boundWith, boundWithCall{tenant: tenant, instanceID: instanceID, bound: bound})
	return nil
}

func rawRecord(key string, kind model.ResourceKind, eventType model.EventType, ts int64, payload map[string]any) model.RawRecord {
	return model.RawRecord{
		Key:       key,
		Tenant:    testTenant,
		Timestamp: time.Unix(0, ts*int64(time.Millisecond)),
		Event: &model.ResourceEvent{
			ID:           key,
			Type:         eventType,
			Tenant:       testTenant,
			ResourceName: kind.String(),
			Kind:         kind,
			New:          payload,
		},
	}
}

func TestProcessTenant_CollapsedUpsertStagesLatestPayloadOnly(t *testing.T) {
	store := &recordingStore{}
	processor := NewProcessor(store, model.ModeRealTime)

	batch := dedup.Collapse([]model.RawRecord{
		rawRecord("k1", model.KindInstance, model.Create, 1, map[string]any{"id": "k1", "title": "old"}),
		rawRecord("k1", model.KindInstance, model.Update, 2, map[string]any{"id": "k1", "title": "new"}),
	})
	err := processor.ProcessTenant(appcontext.Background(), testTenant, batch)
	require.NoError(t, err)

	require.Len(t, store.saves, 1)
	assert.Equal(t, testTenant, store.saves[0].tenant)
	assert.Equal(t, model.EntityInstance, store.saves[0].entity)
	require.Len(t, store.saves[0].rows, 1)
	assert.Equal(t, "new", store.saves[0].rows[0].Payload["title"])
	assert.Empty(t, store.globalDeletes)
	assert.Empty(t, store.tenantDeletes)
}

func TestProcessTenant_ItemDeleteIsTenantScoped(t *testing.T) {
	store := &recordingStore{}
	processor := NewProcessor(store, model.ModeRealTime)

	records := []model.RawRecord{
		rawRecord("i1", model.KindItem, model.Delete, 1, nil),
	}
	require.NoError(t, processor.ProcessTenant(appcontext.Background(), testTenant, records))

	require.Len(t, store.tenantDeletes, 1)
	assert.Equal(t, deleteCall{entity: model.EntityItem, ids: []string{"i1"}, tenant: testTenant}, store.tenantDeletes[0])
	assert.Empty(t, store.globalDeletes)
}

func TestProcessTenant_InstanceDeleteIsGlobal(t *testing.T) {
	store := &recordingStore{}
	processor := NewProcessor(store, model.ModeRealTime)

	records := []model.RawRecord{
		rawRecord("k1", model.KindInstance, model.Delete, 1, nil),
	}
	require.NoError(t, processor.ProcessTenant(appcontext.Background(), testTenant, records))

	require.Len(t, store.globalDeletes, 1)
	assert.Equal(t, deleteCall{entity: model.EntityInstance, ids: []string{"k1"}}, store.globalDeletes[0])
	assert.Empty(t, store.tenantDeletes)
}

func TestProcessTenant_SharedInstanceCopiesAreNotStagedLocally(t *testing.T) {
	store := &recordingStore{}
	processor := NewProcessor(store, model.ModeRealTime)

	shared := rawRecord("k1", model.KindInstance, model.Update, 1, map[string]any{"id": "k1", "source": "CONSORTIUM-MARC"})
	shared.Event.Provenance = model.ProvenanceShared
	local := rawRecord("k2", model.KindInstance, model.Update, 2, map[string]any{"id": "k2", "source": "MARC"})

	require.NoError(t, processor.ProcessTenant(appcontext.Background(), testTenant, []model.RawRecord{shared, local}))

	require.Len(t, store.saves, 1)
	require.Len(t, store.saves[0].rows, 1)
	assert.Equal(t, "k2", store.saves[0].rows[0].ID)
}

func TestProcessTenant_BoundWithUpdatesInstanceFlag(t *testing.T) {
	store := &recordingStore{}
	processor := NewProcessor(store, model.ModeRealTime)

	added := rawRecord("b1", model.KindBoundWith, model.Create, 1, map[string]any{"instanceId": "inst-1"})
	removed := rawRecord("b2", model.KindBoundWith, model.Delete, 2, map[string]any{"instanceId": "inst-2"})

	require.NoError(t, processor.ProcessTenant(appcontext.Background(), testTenant, []model.RawRecord{added, removed}))

	assert.Equal(t, []boundWithCall{
		{tenant: testTenant, instanceID: "inst-1", bound: true},
		{tenant: testTenant, instanceID: "inst-2", bound: false},
	}, store.boundWith)
	assert.Empty(t, store.saves)
}

func TestProcessTenant_BoundWithWithoutInstanceIdIsSkipped(t *testing.T) {
	store := &recordingStore{}
	processor := NewProcessor(store, model.ModeRealTime)

	records := []model.RawRecord{
		rawRecord("b1", model.KindBoundWith, model.Create, 1, map[string]any{}),
	}
	require.NoError(t, processor.ProcessTenant(appcontext.Background(), testTenant, records))
	assert.Empty(t, store.boundWith)
}

func TestProcessTenant_GroupFailureDoesNotStopOtherGroups(t *testing.T) {
	store := &recordingStore{failEntity: model.EntityInstance}
	processor := NewProcessor(store, model.ModeRealTime)

	records := []model.RawRecord{
		rawRecord("k1", model.KindInstance, model.Update, 1, map[string]any{"id": "k1"}),
		rawRecord("i1", model.KindItem, model.Update, 2, map[string]any{"id": "i1", "instanceId": "k1"}),
	}
	err := processor.ProcessTenant(appcontext.Background(), testTenant, records)
	assert.Error(t, err)

	// The item group was still staged despite the instance group failing.
	require.Len(t, store.saves, 1)
	assert.Equal(t, model.EntityItem, store.saves[0].entity)
}
