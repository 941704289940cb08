// Package tenant provides tenant-scoped execution of units of work. Every database or index
// operation in the pipeline runs inside Executor.Run so that it executes under the correct
// tenant's security context, and so that an unprovisioned tenant never takes down a whole
// multi-tenant batch.
package tenant

import (
	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/ingesterrors"
)

// SecurityContext sets up a tenant's security/database context around a unit of work.
// Implementations are provided by the host application; RunAs fails with ErrAuthorization
// if no credentials are provisioned for the tenant.
type SecurityContext interface {
	RunAs(ctx *appcontext.Context, tenant string, fn func(ctx *appcontext.Context) error) error
}

// ConsortiumResolver resolves the consortium central tenant for a member tenant, if one is
// configured.
type ConsortiumResolver interface {
	CentralTenantOf(ctx *appcontext.Context, tenant string) (string, bool)
}

// Executor runs units of work under a tenant's context, attaching the tenant to the
// contextual logger.
type Executor struct {
	security SecurityContext
}

func NewExecutor(security SecurityContext) *Executor {
	return &Executor{security: security}
}

// Run executes fn under the given tenant's security context. Authorization failures are
// returned as *ingesterrors.ErrAuthorization; the caller decides whether to skip or abort.
func (e *Executor) Run(ctx *appcontext.Context, tenant string, fn func(ctx *appcontext.Context) error) error {
	scoped := appcontext.WithLogField(ctx, "tenant", tenant)
	return e.security.RunAs(scoped, tenant, fn)
}

// StaticSecurityContext is a SecurityContext backed by a fixed set of provisioned tenants.
// It is used when the ingester runs without an external identity provider and by tests.
type StaticSecurityContext struct {
	provisioned map[string]bool
}

func NewStaticSecurityContext(tenants []string) *StaticSecurityContext {
	provisioned := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		provisioned[t] = true
	}
	return &StaticSecurityContext{provisioned: provisioned}
}

func (s *StaticSecurityContext) RunAs(ctx *appcontext.Context, tenant string, fn func(ctx *appcontext.Context) error) error {
	if !s.provisioned[tenant] {
		return &ingesterrors.ErrAuthorization{Tenant: tenant, Message: "tenant is not provisioned"}
	}
	return fn(ctx)
}

// StaticResolver is a ConsortiumResolver backed by a fixed member-to-central-tenant mapping
// taken from configuration.
type StaticResolver struct {
	centralTenants map[string]string
}

func NewStaticResolver(centralTenants map[string]string) *StaticResolver {
	return &StaticResolver{centralTenants: centralTenants}
}

func (r *StaticResolver) CentralTenantOf(_ *appcontext.Context, tenant string) (string, bool) {
	central, ok := r.centralTenants[tenant]
	return central, ok
}
