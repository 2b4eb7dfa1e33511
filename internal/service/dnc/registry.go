// Package dnc is the boundary to do-not-call data: the tenant's local list
// and optional national registries reached through a guarded client.
package dnc

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

// ErrRegistryUnavailable marks any failure to get an answer from a national
// registry. Callers degrade to a warning.
var ErrRegistryUnavailable = errors.New("dnc registry unavailable")

// RegistryChecker looks a number up in a national do-not-call registry.
type RegistryChecker interface {
	// Listed reports whether phone is registered in the country's registry.
	Listed(ctx context.Context, countryISO string, phone values.PhoneNumber) (bool, error)
	// Supports reports whether an integration exists for the country.
	Supports(countryISO string) bool
}

// LocalList is the tenant-maintained do-not-call list.
type LocalList interface {
	Contains(ctx context.Context, tenantID uuid.UUID, phone values.PhoneNumber) (bool, error)
}
