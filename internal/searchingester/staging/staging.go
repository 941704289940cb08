// Package staging routes deduplicated instance-family events into the merge range tables.
package staging

import (
	"github.com/hashicorp/go-multierror"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/logging"
	"github.com/opencatalog/searchingester/internal/searchingester/ingesterrors"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
)

// MergeWriter is the subset of the merge range store used when staging events.
type MergeWriter interface {
	SaveEntities(ctx *appcontext.Context, tenant string, entity model.EntityType, mode model.IndexMode, rows []model.StagedEntity) error
	DeleteEntities(ctx *appcontext.Context, entity model.EntityType, ids []string) error
	DeleteEntitiesForTenant(ctx *appcontext.Context, entity model.EntityType, ids []string, tenant string) error
	UpdateBoundWith(ctx *appcontext.Context, tenant string, instanceID string, bound bool) error
}

var entityForKind = map[model.ResourceKind]model.EntityType{
	model.KindInstance: model.EntityInstance,
	model.KindHoldings: model.EntityHoldings,
	model.KindItem:     model.EntityItem,
}

type Processor struct {
	store MergeWriter
	mode  model.IndexMode
}

// NewProcessor returns a Processor staging events under the given index mode. The mode is
// threaded through to the store and any nested extraction so that real-time ingestion and
// bulk reindexing can batch and validate differently.
func NewProcessor(store MergeWriter, mode model.IndexMode) *Processor {
	return &Processor{store: store, mode: mode}
}

// ProcessTenant stages one tenant's deduplicated instance-family events. The caller is
// expected to have already entered the tenant's security context.
//
// Failure granularity is per resource-kind group: a store failure for one group is recorded
// and the remaining groups are still attempted. The aggregated error is returned so the
// caller's retry policy can re-run the whole tenant group; every write here is an
// idempotent upsert or delete, so re-running is safe.
func (p *Processor) ProcessTenant(ctx *appcontext.Context, tenant string, records []model.RawRecord) error {
	var result *multierror.Error
	for _, group := range groupByKind(records) {
		var err error
		if group.kind == model.KindBoundWith {
			err = p.processBoundWith(ctx, tenant, group.records)
		} else {
			err = p.processStaged(ctx, tenant, group.kind, group.records)
		}
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).
				WithField("resource", group.kind.String()).
				Error("error staging resource group")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// processBoundWith resolves the owning instance for each bound-with event and flips the
// bound flag on that instance's staging row. Bound-with events never get a staged row of
// their own.
func (p *Processor) processBoundWith(ctx *appcontext.Context, tenant string, records []model.RawRecord) error {
	var result *multierror.Error
	for _, r := range records {
		instanceID := r.Event.InstanceID()
		if instanceID == "" {
			ctx.Log.WithError(&ingesterrors.ErrMalformedEvent{
				Tenant:       tenant,
				ResourceName: r.Event.ResourceName,
				ID:           r.Event.ID,
				Message:      "bound-with event carries no instance id",
			}).Warn("skipping event")
			continue
		}
		bound := r.Event.Type != model.Delete
		if err := p.store.UpdateBoundWith(ctx, tenant, instanceID, bound); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *Processor) processStaged(ctx *appcontext.Context, tenant string, kind model.ResourceKind, records []model.RawRecord) error {
	entity, ok := entityForKind[kind]
	if !ok {
		return &ingesterrors.ErrMalformedEvent{
			Tenant:       tenant,
			ResourceName: kind.String(),
			Message:      "resource kind cannot be staged",
		}
	}

	var upserts []model.StagedEntity
	var deletions []string
	for _, r := range records {
		event := r.Event
		if event.Type == model.Delete {
			deletions = append(deletions, event.ID)
			continue
		}
		// Consortium-shared instance copies are staged by the central tenant only;
		// staging them locally as well would double-count the record.
		if kind == model.KindInstance && event.Provenance == model.ProvenanceShared {
			continue
		}
		if event.New == nil {
			ctx.Log.WithError(&ingesterrors.ErrMalformedEvent{
				Tenant:       tenant,
				ResourceName: event.ResourceName,
				ID:           event.ID,
				Message:      "upsert event carries no payload",
			}).Warn("skipping event")
			continue
		}
		upserts = append(upserts, model.StagedEntity{
			ID:      event.ID,
			Payload: event.New,
			Shared:  event.Provenance == model.ProvenanceShared,
		})
	}

	var result *multierror.Error
	if err := p.store.SaveEntities(ctx, tenant, entity, p.mode, upserts); err != nil {
		result = multierror.Append(result, err)
	}
	if len(deletions) > 0 {
		var err error
		if kind == model.KindInstance {
			err = p.store.DeleteEntities(ctx, entity, deletions)
		} else {
			// Item and holdings ids are only unique per tenant in a consortium.
			err = p.store.DeleteEntitiesForTenant(ctx, entity, deletions, tenant)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
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
