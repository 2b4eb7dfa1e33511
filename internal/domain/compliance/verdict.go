package compliance

import (
	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
)

// CheckName identifies one step of an evaluation.
type CheckName string

const (
	CheckDNCLocal     CheckName = "dnc_local"
	CheckDNCRegistry  CheckName = "dnc_registry"
	CheckQuietHours   CheckName = "quiet_hours"
	CheckConsent      CheckName = "consent"
	CheckAIDisclosure CheckName = "ai_disclosure"
	CheckLegalReview  CheckName = "legal_review"
)

// ReasonCode maps a check to the stable code reported when it blocks.
func (c CheckName) ReasonCode() string {
	switch c {
	case CheckDNCLocal, CheckDNCRegistry:
		return apperrors.CodeDNC
	case CheckQuietHours:
		return apperrors.CodeQuietHours
	case CheckConsent:
		return apperrors.CodeConsent
	case CheckLegalReview:
		return apperrors.CodeLegalReview
	default:
		return ""
	}
}

// Lower ranks block first.
func (c CheckName) precedence() int {
	switch c {
	case CheckDNCLocal:
		return 0
	case CheckDNCRegistry:
		return 1
	case CheckQuietHours:
		return 2
	case CheckConsent:
		return 3
	case CheckLegalReview:
		return 4
	default:
		return 99
	}
}

// Check is the outcome of one named step.
type Check struct {
	Name    CheckName `json:"name"`
	Passed  bool      `json:"passed"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
}

// Warning codes attached to verdicts. Warnings never block.
const (
	WarnDNCRegistryUnavailable = "dnc_registry_unavailable"
	WarnAIDisclosureRequired   = "ai_disclosure_required"
	WarnCountryUndetectable    = "country_undetectable"
)

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Verdict is the ephemeral result of an evaluation. It is recomputed for
// every call and never persisted.
type Verdict struct {
	Allowed        bool           `json:"allowed"`
	CountryISO     string         `json:"country_iso,omitempty"`
	Nature         Nature         `json:"nature"`
	ResolvedRegime ConsentRegime  `json:"resolved_regime,omitempty"`
	RecordingBasis RecordingBasis `json:"recording_basis,omitempty"`
	RuleSource     RuleSource     `json:"rule_source,omitempty"`
	DatasetVersion string         `json:"dataset_version,omitempty"`
	Checks         []Check        `json:"checks"`
	BlockReason    string         `json:"block_reason,omitempty"`
	BlockCode      string         `json:"block_code,omitempty"`
	Warnings       []Warning      `json:"warnings,omitempty"`
}

// Record appends a check result.
func (v *Verdict) Record(c Check) {
	v.Checks = append(v.Checks, c)
}

// Warn attaches a non-blocking warning.
func (v *Verdict) Warn(code, message string) {
	v.Warnings = append(v.Warnings, Warning{Code: code, Message: message})
}

// HasWarning reports whether a warning with code is attached.
func (v Verdict) HasWarning(code string) bool {
	for _, w := range v.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Finalize sets Allowed and picks the block reason from the highest
// precedence failing check.
func (v *Verdict) Finalize() {
	var first *Check
	for i := range v.Checks {
		c := &v.Checks[i]
		if c.Passed {
			continue
		}
		if first == nil || c.Name.precedence() < first.Name.precedence() {
			first = c
		}
	}

	v.Allowed = first == nil
	v.BlockReason, v.BlockCode = "", ""
	if first != nil {
		v.BlockReason = first.Message
		v.BlockCode = first.Name.ReasonCode()
	}
}

// Find looks up a recorded check by name.
func (v Verdict) Find(name CheckName) (Check, bool) {
	for _, c := range v.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Err converts a blocked verdict into a BlockedByPolicy error for transports
// that speak errors. Allowed verdicts return nil.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return apperrors.NewBlockedByPolicyError(v.BlockCode, v.BlockReason).
		WithDetails(map[string]interface{}{"country_iso": v.CountryISO})
}
