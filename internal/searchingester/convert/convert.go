// Package convert deserializes raw pulsar messages into resource events. Interception
// happens here: the record key, tenant, resource kind and provenance are all fixed before
// any business logic sees the event, and malformed messages are counted and dropped while
// still being acked so they cannot wedge a partition.
package convert

import (
	"encoding/json"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/ingesterrors"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/router"
)

// wireEvent is the upstream wire form of one resource change notification.
type wireEvent struct {
	ID                 string          `json:"id"`
	Type               model.EventType `json:"type"`
	Tenant             string          `json:"tenant"`
	ResourceName       string          `json:"resourceName"`
	New                map[string]any  `json:"new"`
	Old                map[string]any  `json:"old"`
	DeleteEventSubType string          `json:"deleteEventSubType"`
}

type EventConverter struct {
	metrics *metrics.Metrics
}

func NewEventConverter(m *metrics.Metrics) *EventConverter {
	return &EventConverter{metrics: m}
}

// Convert deserializes a batch of messages. All message ids are carried through for acking,
// including those of messages that failed to deserialize.
func (c *EventConverter) Convert(ctx *appcontext.Context, batch []pulsar.Message) *model.RawRecordsWithIds {
	records := make([]model.RawRecord, 0, len(batch))
	messageIds := make([]pulsar.MessageID, len(batch))
	for i, msg := range batch {
		messageIds[i] = msg.ID()

		var wire wireEvent
		if err := json.Unmarshal(msg.Payload(), &wire); err != nil {
			c.metrics.RecordMessageError(metrics.MessageErrorDeserialization)
			ctx.Log.WithError(err).Warnf("Could not unmarshal event for msg %s", msg.ID())
			continue
		}
		record, err := recordOf(msg, wire)
		if err != nil {
			c.metrics.RecordMessageError(metrics.MessageErrorDeserialization)
			if ingesterrors.IsMalformedEvent(err) {
				ctx.Log.WithError(err).Warnf("Dropping malformed event for msg %s", msg.ID())
			} else {
				ctx.Log.WithError(err).Warnf("Could not convert msg %s", msg.ID())
			}
			continue
		}
		records = append(records, record)
	}
	return &model.RawRecordsWithIds{Records: records, MessageIds: messageIds}
}

func recordOf(msg pulsar.Message, wire wireEvent) (model.RawRecord, error) {
	headers := msg.Properties()
	resourceName := wire.ResourceName
	if resourceName == "" {
		resourceName = resourceNameOfTopic(msg.Topic())
	}
	tenant := wire.Tenant
	if tenant == "" {
		tenant = headers[router.HeaderInternalTenant]
	}
	if tenant == "" {
		return model.RawRecord{}, &ingesterrors.ErrMalformedEvent{
			ResourceName: resourceName,
			ID:           wire.ID,
			Message:      "no tenant in payload or headers",
		}
	}
	id := wire.ID
	if id == "" {
		id = msg.Key()
	}
	if id == "" {
		return model.RawRecord{}, &ingesterrors.ErrMalformedEvent{
			Tenant:       tenant,
			ResourceName: resourceName,
			Message:      "no id in payload or message key",
		}
	}
	event := &model.ResourceEvent{
		ID:            id,
		Type:          wire.Type,
		Tenant:        tenant,
		ResourceName:  resourceName,
		Kind:          model.KindOf(resourceName),
		New:           wire.New,
		Old:           wire.Old,
		DeleteSubType: wire.DeleteEventSubType,
	}
	event.Provenance = model.ProvenanceOf(model.StringField(event.Payload(), "source"))
	return model.RawRecord{
		Key:       msg.Key(),
		Tenant:    tenant,
		Timestamp: msg.PublishTime(),
		Event:     event,
		Headers:   headers,
		MessageID: msg.ID(),
	}, nil
}

// resourceNameOfTopic extracts the resource name from a topic of the form
// "persistent://tenant/namespace/<env>.<scope>.<resourceName>".
func resourceNameOfTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		topic = topic[i+1:]
	}
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		topic = topic[i+1:]
	}
	return topic
}
