package compliance

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

// RuleResolver resolves the country rule for a tenant. rules.Store
// implements it.
type RuleResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, countryISO string) (compliance.ResolvedRule, error)
}

// TenantSettingsStore loads per-tenant compliance settings. Unknown tenants
// get zero settings, not an error.
type TenantSettingsStore interface {
	Settings(ctx context.Context, tenantID uuid.UUID) (compliance.TenantSettings, error)
}

// CampaignStore loads a campaign's quiet-hours override. It returns nil when
// the campaign does not exist.
type CampaignStore interface {
	QuietHours(ctx context.Context, campaignID uuid.UUID) (*compliance.CampaignQuietHours, error)
}
