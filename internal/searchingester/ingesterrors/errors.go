// Package ingesterrors contains the error taxonomy of the ingestion pipeline. Handlers use
// these types as explicit results, never as control-flow signals: a tenant group that fails
// authorization is skipped and logged, while everything else in the same batch proceeds.
package ingesterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAuthorization indicates that no usable credentials are provisioned for a tenant.
// The tenant's group is skipped and other tenants in the same batch continue.
type ErrAuthorization struct {
	Tenant  string
	Message string
}

func (err *ErrAuthorization) Error() (s string) {
	s = fmt.Sprintf("no usable credentials for tenant %q", err.Tenant)
	if err.Message != "" {
		s = s + "; " + err.Message
	}
	return
}

// IsAuthorization reports whether err is, or wraps, an ErrAuthorization.
func IsAuthorization(err error) bool {
	var target *ErrAuthorization
	return errors.As(err, &target)
}

// ErrMalformedEvent indicates an event missing required key fields. Such events are logged
// with full metadata and never retried.
type ErrMalformedEvent struct {
	Tenant       string
	ResourceName string
	ID           string
	Message      string
}

func (err *ErrMalformedEvent) Error() string {
	return fmt.Sprintf(
		"malformed event (tenant %q, resource %q, id %q): %s",
		err.Tenant, err.ResourceName, err.ID, err.Message,
	)
}

// IsMalformedEvent reports whether err is, or wraps, an ErrMalformedEvent.
func IsMalformedEvent(err error) bool {
	var target *ErrMalformedEvent
	return errors.As(err, &target)
}
