// Package forwarder contains the outbound collaborators: pulsar producers that hand index
// operations, child-resource fan-out and index-trigger signals to the downstream indexing
// services, and a redis-backed reference-data cache invalidator.
package forwarder

import (
	"encoding/json"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/router"
)

// indexOperation is the wire form of one drained or directly indexed event.
type indexOperation struct {
	ID           string          `json:"id"`
	Tenant       string          `json:"tenant"`
	ResourceName string          `json:"resourceName,omitempty"`
	Type         model.EventType `json:"type"`
	New          map[string]any  `json:"new,omitempty"`
	Old          map[string]any  `json:"old,omitempty"`
}

// Publisher sends keyed messages on a single pulsar topic. It satisfies the router's
// SignalPublisher.
type Publisher struct {
	producer pulsar.Producer
}

func NewPublisher(client pulsar.Client, topic string) (*Publisher, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Publisher{producer: producer}, nil
}

func (p *Publisher) Publish(ctx *appcontext.Context, tenant string, key string, payload []byte, headers map[string]string) error {
	_, err := p.producer.Send(ctx, &pulsar.ProducerMessage{
		Key:        key,
		Payload:    payload,
		Properties: headers,
	})
	return errors.WithStack(err)
}

func (p *Publisher) Close() {
	p.producer.Close()
}

// IndexForwarder publishes index operations for downstream indexing services to consume.
type IndexForwarder struct {
	publisher *Publisher
}

func NewIndexForwarder(client pulsar.Client, topic string) (*IndexForwarder, error) {
	publisher, err := NewPublisher(client, topic)
	if err != nil {
		return nil, err
	}
	return &IndexForwarder{publisher: publisher}, nil
}

func (f *IndexForwarder) Index(ctx *appcontext.Context, tenant string, events []*model.ResourceEvent) error {
	for _, event := range events {
		payload, err := json.Marshal(indexOperation{
			ID:           event.ID,
			Tenant:       tenant,
			ResourceName: event.ResourceName,
			Type:         event.Type,
			New:          event.New,
			Old:          event.Old,
		})
		if err != nil {
			return errors.WithStack(err)
		}
		if err := f.publisher.Publish(ctx, tenant, event.ID, payload, tenantHeaders(tenant)); err != nil {
			return err
		}
	}
	return nil
}

// IndexInstanceIds publishes a reindex operation per instance id. Used by the signal
// consumer to turn index-trigger signals into instance document rebuilds.
func (f *IndexForwarder) IndexInstanceIds(ctx *appcontext.Context, tenant string, instanceIds []string) error {
	for _, id := range instanceIds {
		payload, err := json.Marshal(indexOperation{
			ID:     id,
			Tenant: tenant,
			Type:   model.Reindex,
		})
		if err != nil {
			return errors.WithStack(err)
		}
		if err := f.publisher.Publish(ctx, tenant, id, payload, tenantHeaders(tenant)); err != nil {
			return err
		}
	}
	return nil
}

func (f *IndexForwarder) Close() {
	f.publisher.Close()
}

// ChildResourceForwarder publishes drained instance and item rows for per-resource
// fan-out (contributors, subjects, classifications, call numbers) downstream.
type ChildResourceForwarder struct {
	publisher *Publisher
}

func NewChildResourceForwarder(client pulsar.Client, topic string) (*ChildResourceForwarder, error) {
	publisher, err := NewPublisher(client, topic)
	if err != nil {
		return nil, err
	}
	return &ChildResourceForwarder{publisher: publisher}, nil
}

func (f *ChildResourceForwarder) PersistChildren(ctx *appcontext.Context, tenant string, entity model.EntityType, events []*model.ResourceEvent) error {
	for _, event := range events {
		payload, err := json.Marshal(indexOperation{
			ID:           event.ID,
			Tenant:       tenant,
			ResourceName: string(entity),
			Type:         event.Type,
			New:          event.New,
			Old:          event.Old,
		})
		if err != nil {
			return errors.WithStack(err)
		}
		if err := f.publisher.Publish(ctx, tenant, event.ID, payload, tenantHeaders(tenant)); err != nil {
			return err
		}
	}
	return nil
}

func (f *ChildResourceForwarder) Close() {
	f.publisher.Close()
}

func tenantHeaders(tenant string) map[string]string {
	return map[string]string{
		router.HeaderInternalTenant: tenant,
		router.HeaderTenant:         tenant,
	}
}

// RedisCacheInvalidator evicts reference-data caches held in redis. Cache entries are
// keyed "<cacheName>:<entryKey>".
type RedisCacheInvalidator struct {
	client redis.UniversalClient
}

func NewRedisCacheInvalidator(client redis.UniversalClient) *RedisCacheInvalidator {
	return &RedisCacheInvalidator{client: client}
}

func (c *RedisCacheInvalidator) EvictAll(ctx *appcontext.Context, cacheName string) error {
	iter := c.client.Scan(ctx, 0, cacheName+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.WithStack(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.WithStack(c.client.Del(ctx, keys...).Err())
}
