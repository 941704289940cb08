package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opencatalog/searchingester/internal/searchingester/model"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func record(key, tenant string, eventType model.EventType, ts int64) model.RawRecord {
	return model.RawRecord{
		Key:       key,
		Tenant:    tenant,
		Timestamp: baseTime.Add(time.Duration(ts) * time.Millisecond),
		Event: &model.ResourceEvent{
			ID:           key,
			Type:         eventType,
			Tenant:       tenant,
			ResourceName: "instance",
			Kind:         model.KindInstance,
		},
	}
}

func TestCollapse_SingletonsPassThrough(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Create, 1),
		record("k2", "tenant-a", model.Update, 2),
	}
	out := Collapse(in)
	assert.Equal(t, in, out)
}

func TestCollapse_LatestWins(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Create, 1),
		record("k1", "tenant-a", model.Update, 3),
		record("k1", "tenant-a", model.Update, 2),
	}
	out := Collapse(in)
	assert.Len(t, out, 1)
	assert.Equal(t, model.Update, out[0].Event.Type)
	assert.Equal(t, baseTime.Add(3*time.Millisecond), out[0].Timestamp)
}

func TestCollapse_LatestWinsRegardlessOfArrivalOrder(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Update, 5),
		record("k1", "tenant-a", model.Delete, 2),
	}
	out := Collapse(in)
	assert.Len(t, out, 1)
	assert.Equal(t, model.Update, out[0].Event.Type)
}

func TestCollapse_OwnershipTransferKeepsBoth(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Create, 100),
		record("k1", "tenant-b", model.Delete, 105),
	}
	out := Collapse(in)
	assert.Len(t, out, 2)
	assert.Equal(t, model.Create, out[0].Event.Type)
	assert.Equal(t, "tenant-a", out[0].Tenant)
	assert.Equal(t, model.Delete, out[1].Event.Type)
	assert.Equal(t, "tenant-b", out[1].Tenant)
}

func TestCollapse_OwnershipTransferAscendingTimestampOrder(t *testing.T) {
	// The new-tenant CREATE carries a lower timestamp than the old-tenant DELETE and
	// arrives second; the pair is still kept and ordered by timestamp.
	in := []model.RawRecord{
		record("k1", "tenant-b", model.Delete, 105),
		record("k1", "tenant-a", model.Create, 100),
	}
	out := Collapse(in)
	assert.Len(t, out, 2)
	assert.Equal(t, model.Create, out[0].Event.Type)
	assert.Equal(t, model.Delete, out[1].Event.Type)
}

func TestCollapse_SameTenantCreateDeleteIsNotATransfer(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Create, 1),
		record("k1", "tenant-a", model.Delete, 2),
	}
	out := Collapse(in)
	assert.Len(t, out, 1)
	assert.Equal(t, model.Delete, out[0].Event.Type)
}

func TestCollapse_CrossTenantNonTransferTypesCollapse(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Update, 1),
		record("k1", "tenant-b", model.Delete, 2),
	}
	out := Collapse(in)
	assert.Len(t, out, 1)
	assert.Equal(t, model.Delete, out[0].Event.Type)
}

func TestCollapse_ThreeEventsNeverATransfer(t *testing.T) {
	in := []model.RawRecord{
		record("k1", "tenant-a", model.Create, 1),
		record("k1", "tenant-b", model.Delete, 2),
		record("k1", "tenant-a", model.Update, 3),
	}
	out := Collapse(in)
	assert.Len(t, out, 1)
	assert.Equal(t, model.Update, out[0].Event.Type)
}

func TestCollapse_KeyOrderFollowsFirstAppearance(t *testing.T) {
	in := []model.RawRecord{
		record("k2", "tenant-a", model.Create, 5),
		record("k1", "tenant-a", model.Create, 1),
		record("k2", "tenant-a", model.Update, 7),
	}
	out := Collapse(in)
	assert.Len(t, out, 2)
	assert.Equal(t, "k2", out[0].Key)
	assert.Equal(t, "k1", out[1].Key)
}
