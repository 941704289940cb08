// Package router resolves the owning instance for instance-family events and emits
// re-keyed "index this instance" signals for the correct tenant, after consortium
// central-tenant resolution.
package router

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/tenant"
)

const (
	// HeaderInternalTenant is the internal tenant-id header on index-trigger messages.
	HeaderInternalTenant = "ingest.tenant"
	// HeaderTenant is the cross-service tenant header understood by other services.
	HeaderTenant = "x-tenant"
)

// SignalPublisher publishes keyed index-trigger messages on a tenant's channel.
type SignalPublisher interface {
	Publish(ctx *appcontext.Context, tenant string, key string, payload []byte, headers map[string]string) error
}

type Router struct {
	resolver  tenant.ConsortiumResolver
	publisher SignalPublisher
	metrics   *metrics.Metrics
}

func NewRouter(resolver tenant.ConsortiumResolver, publisher SignalPublisher, m *metrics.Metrics) *Router {
	return &Router{
		resolver:  resolver,
		publisher: publisher,
		metrics:   m,
	}
}

// Route determines which instance the record affects and emits index signals for the target
// tenant. An item or holdings update that moved between instances produces two signals, one
// for the instance that lost the record and one for the instance that gained it. A record
// from which no instance id can be determined produces zero signals; that is not an error.
// Returns the number of signals emitted.
func (r *Router) Route(ctx *appcontext.Context, rec model.RawRecord) (int, error) {
	event := rec.Event
	targetTenant, ok := r.resolver.CentralTenantOf(ctx, event.Tenant)
	if !ok {
		targetTenant = event.Tenant
	}

	oldID, newID := splitInstanceIds(rec)
	emitted := 0
	for _, instanceID := range []string{oldID, newID} {
		if instanceID == "" {
			continue
		}
		if err := r.emit(ctx, rec, targetTenant, instanceID); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

// splitInstanceIds returns the affected instance ids: (old, new) when the record moved
// between instances, otherwise ("", id). Either may be empty.
func splitInstanceIds(rec model.RawRecord) (string, string) {
	event := rec.Event
	if event.Type == model.Reindex {
		// The affected instance id is not derivable from a reindex payload; it is the
		// record's transport key.
		return "", rec.Key
	}
	if event.Kind == model.KindInstance {
		return "", model.StringField(event.Payload(), "id")
	}

	oldID := model.StringField(event.Old, "instanceId")
	newID := model.StringField(event.New, "instanceId")
	if oldID != "" && newID != "" && oldID != newID {
		return oldID, newID
	}
	if newID != "" {
		return "", newID
	}
	return "", oldID
}

func (r *Router) emit(ctx *appcontext.Context, rec model.RawRecord, targetTenant string, instanceID string) error {
	payload, err := json.Marshal(model.InstanceSignal{
		Tenant:     targetTenant,
		InstanceID: instanceID,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	// All headers are carried over unchanged apart from the tenant headers, which are
	// rewritten to the resolved target tenant.
	headers := make(map[string]string, len(rec.Headers)+2)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[HeaderInternalTenant] = targetTenant
	headers[HeaderTenant] = targetTenant

	if err := r.publisher.Publish(ctx, targetTenant, instanceID, payload, headers); err != nil {
		return err
	}
	r.metrics.RecordSignalEmitted()
	return nil
}
