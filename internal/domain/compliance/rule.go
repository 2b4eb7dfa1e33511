package compliance

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/validation"
)

// ConsentRegime is the jurisdictional consent requirement for a lead nature.
type ConsentRegime string

const (
	RegimeOptIn   ConsentRegime = "opt_in"
	RegimeOptOut  ConsentRegime = "opt_out"
	RegimeAllowed ConsentRegime = "allowed"
)

func (r ConsentRegime) strictness() int {
	switch r {
	case RegimeOptIn:
		return 2
	case RegimeOptOut:
		return 1
	default:
		return 0
	}
}

// Stricter returns whichever regime demands more of the caller.
func Stricter(a, b ConsentRegime) ConsentRegime {
	if b.strictness() > a.strictness() {
		return b
	}
	return a
}

// RecordingBasis is the legal basis under which calls may be recorded.
type RecordingBasis string

const (
	RecordingConsent            RecordingBasis = "consent"
	RecordingLegitimateInterest RecordingBasis = "legitimate_interest"
	RecordingOnePartyConsent    RecordingBasis = "one_party"
	RecordingAllPartyConsent    RecordingBasis = "all_party"
)

// DNCRegistry describes the national do-not-call registry for a country.
type DNCRegistry struct {
	Exists       bool   `json:"exists" yaml:"exists"`
	Required     bool   `json:"required" yaml:"required"`
	APIAvailable bool   `json:"api_available" yaml:"api_available"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
}

// QuietHours is a set of restricted windows as configured on a country rule,
// a tenant or a campaign. Timezone may be empty outside country rules.
type QuietHours struct {
	Enabled  bool      `json:"enabled" yaml:"enabled"`
	Weekday  DayWindow `json:"weekday" yaml:"weekday"`
	Saturday DayWindow `json:"saturday" yaml:"saturday"`
	Sunday   DayWindow `json:"sunday" yaml:"sunday"`
	Timezone string    `json:"timezone,omitempty" yaml:"timezone,omitempty" validate:"omitempty,timezone"`
}

// CountryRule holds the regulatory facts for one country, either global or
// scoped to a tenant. Rules are versioned and superseded, never deleted.
type CountryRule struct {
	TenantID   *uuid.UUID `json:"tenant_id,omitempty" yaml:"-"`
	CountryISO string     `json:"country_iso" yaml:"country_iso" validate:"required,len=2,uppercase,alpha"`
	Version    int        `json:"version" yaml:"-"`

	B2BRegime ConsentRegime `json:"b2b_regime" yaml:"b2b_regime" validate:"required,oneof=opt_in opt_out allowed"`
	B2CRegime ConsentRegime `json:"b2c_regime" yaml:"b2c_regime" validate:"required,oneof=opt_in opt_out allowed"`

	DNC        DNCRegistry `json:"dnc" yaml:"dnc"`
	QuietHours QuietHours  `json:"quiet_hours" yaml:"quiet_hours"`
	Timezone   string      `json:"timezone" yaml:"timezone" validate:"required,timezone"`

	AIDisclosureRequired bool           `json:"ai_disclosure_required" yaml:"ai_disclosure_required"`
	AIDisclosureNote     string         `json:"ai_disclosure_note,omitempty" yaml:"ai_disclosure_note,omitempty"`
	RecordingBasis       RecordingBasis `json:"recording_basis" yaml:"recording_basis" validate:"required"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DefaultRule is the maximally permissive rule used when nothing else is
// configured for a country.
func DefaultRule(iso string) CountryRule {
	return CountryRule{
		CountryISO:     strings.ToUpper(iso),
		B2BRegime:      RegimeOptOut,
		B2CRegime:      RegimeOptOut,
		Timezone:       "UTC",
		RecordingBasis: RecordingConsent,
	}
}

// Validate checks field constraints and the quiet-hours timezone.
func (r CountryRule) Validate() error {
	if err := validation.Struct(r); err != nil {
		return fmt.Errorf("country rule %s: %w", r.CountryISO, err)
	}
	return nil
}

// RegimeFor selects the regime for a lead nature. Unknown nature takes the
// stricter of the two.
func (r CountryRule) RegimeFor(nature Nature) ConsentRegime {
	switch nature {
	case NatureB2B:
		return r.B2BRegime
	case NatureB2C:
		return r.B2CRegime
	default:
		return Stricter(r.B2BRegime, r.B2CRegime)
	}
}

// RuleSource tags where a resolved rule came from.
type RuleSource string

const (
	SourceTenantOverride RuleSource = "tenant_override"
	SourceGlobal         RuleSource = "global"
	SourceDataset        RuleSource = "dataset"
	SourceDefault        RuleSource = "default"
)

// ResolvedRule is a rule plus the provenance the resolution chain settled on.
type ResolvedRule struct {
	Rule           CountryRule `json:"rule"`
	Source         RuleSource  `json:"source"`
	DatasetVersion string      `json:"dataset_version,omitempty"`
}

// RuleInvalidation announces a rule change. A nil TenantID means the global
// row changed, which affects every tenant without its own override.
type RuleInvalidation struct {
	CountryISO string     `json:"country_iso"`
	TenantID   *uuid.UUID `json:"tenant_id"`
}

// Covers reports whether a cached resolution for (tenantID, iso) may be stale.
func (i RuleInvalidation) Covers(tenantID uuid.UUID, iso string) bool {
	if !strings.EqualFold(i.CountryISO, iso) {
		return false
	}
	return i.TenantID == nil || *i.TenantID == tenantID
}
