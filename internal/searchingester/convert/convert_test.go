package convert

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/router"
)

var publishTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testMessage struct {
	pulsar.Message
	payload    []byte
	key        string
	topic      string
	properties map[string]string
	messageId  pulsar.MessageID
}

func (m testMessage) Payload() []byte               { return m.payload }
func (m testMessage) Key() string                   { return m.key }
func (m testMessage) Topic() string                 { return m.topic }
func (m testMessage) Properties() map[string]string { return m.properties }
func (m testMessage) ID() pulsar.MessageID          { return m.messageId }
func (m testMessage) PublishTime() time.Time        { return publishTime }

func message(payload string) testMessage {
	return testMessage{
		payload:   []byte(payload),
		key:       "key-1",
		topic:     "persistent://catalog/events/env.inventory.item",
		messageId: pulsar.EarliestMessageID(),
	}
}

func TestConvert_DecodesEvent(t *testing.T) {
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{
		message(`{"id":"item-1","type":"UPDATE","tenant":"diku","resourceName":"item","new":{"id":"item-1","instanceId":"inst-1"}}`),
	})

	require.Len(t, batch.Records, 1)
	rec := batch.Records[0]
	assert.Equal(t, "item-1", rec.Event.ID)
	assert.Equal(t, model.Update, rec.Event.Type)
	assert.Equal(t, "diku", rec.Tenant)
	assert.Equal(t, model.KindItem, rec.Event.Kind)
	assert.Equal(t, "inst-1", rec.Event.InstanceID())
	assert.Equal(t, publishTime, rec.Timestamp)
	assert.Equal(t, "key-1", rec.Key)
}

func TestConvert_MalformedMessageDroppedButAcked(t *testing.T) {
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{
		message(`not json`),
		message(`{"id":"item-1","type":"UPDATE","tenant":"diku","resourceName":"item"}`),
	})

	assert.Len(t, batch.Records, 1)
	// Both message ids survive so the poisoned message can still be acked.
	assert.Len(t, batch.MessageIds, 2)
}

func TestConvert_ResourceNameFallsBackToTopic(t *testing.T) {
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{
		message(`{"id":"item-1","type":"CREATE","tenant":"diku"}`),
	})

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "item", batch.Records[0].Event.ResourceName)
	assert.Equal(t, model.KindItem, batch.Records[0].Event.Kind)
}

func TestConvert_IdFallsBackToKey(t *testing.T) {
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{
		message(`{"type":"REINDEX","tenant":"diku","resourceName":"item"}`),
	})

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "key-1", batch.Records[0].Event.ID)
}

func TestConvert_TenantFallsBackToHeader(t *testing.T) {
	msg := message(`{"id":"item-1","type":"UPDATE","resourceName":"item"}`)
	msg.properties = map[string]string{router.HeaderInternalTenant: "aqua"}
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{msg})

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "aqua", batch.Records[0].Tenant)
}

func TestConvert_EventWithoutTenantDroppedButAcked(t *testing.T) {
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{
		message(`{"id":"item-1","type":"UPDATE","resourceName":"item"}`),
		message(`{"id":"item-2","type":"UPDATE","tenant":"diku","resourceName":"item"}`),
	})

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "item-2", batch.Records[0].Event.ID)
	assert.Len(t, batch.MessageIds, 2)
}

func TestConvert_EventWithoutIdDroppedButAcked(t *testing.T) {
	msg := message(`{"type":"UPDATE","tenant":"diku","resourceName":"item"}`)
	msg.key = ""
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{msg})

	assert.Empty(t, batch.Records)
	assert.Len(t, batch.MessageIds, 1)
}

func TestConvert_SharedProvenanceDerivedFromSource(t *testing.T) {
	converter := NewEventConverter(metrics.Get())
	batch := converter.Convert(appcontext.Background(), []pulsar.Message{
		message(`{"id":"inst-1","type":"UPDATE","tenant":"diku","resourceName":"instance","new":{"id":"inst-1","source":"CONSORTIUM-MARC"}}`),
		message(`{"id":"inst-2","type":"UPDATE","tenant":"diku","resourceName":"instance","new":{"id":"inst-2","source":"MARC"}}`),
	})

	require.Len(t, batch.Records, 2)
	assert.Equal(t, model.ProvenanceShared, batch.Records[0].Event.Provenance)
	assert.Equal(t, model.ProvenanceLocal, batch.Records[1].Event.Provenance)
}
