package compliance

import (
	"github.com/google/uuid"
)

// ConsentStatus is what the platform knows about a lead's consent.
type ConsentStatus string

const (
	ConsentGranted ConsentStatus = "granted"
	ConsentDenied  ConsentStatus = "denied"
	ConsentUnknown ConsentStatus = "unknown"
)

// Nature says whether a lead is a business or a consumer contact.
type Nature string

const (
	NatureB2B     Nature = "b2b"
	NatureB2C     Nature = "b2c"
	NatureUnknown Nature = "unknown"
)

// Lead is a callable contact. It is owned by a campaign and read-only here.
type Lead struct {
	ID            uuid.UUID     `json:"id"`
	Phone         string        `json:"phone"`
	CountryISO    string        `json:"country_iso,omitempty"`
	ConsentStatus ConsentStatus `json:"consent_status"`
	Nature        Nature        `json:"nature"`
	CampaignID    *uuid.UUID    `json:"campaign_id,omitempty"`
}

// Consent returns the lead's consent status, treating a nil lead or an
// unrecognised value as unknown.
func (l *Lead) Consent() ConsentStatus {
	if l == nil {
		return ConsentUnknown
	}
	switch l.ConsentStatus {
	case ConsentGranted, ConsentDenied:
		return l.ConsentStatus
	default:
		return ConsentUnknown
	}
}

// LeadNature returns the lead's nature, unknown for a nil lead.
func (l *Lead) LeadNature() Nature {
	if l == nil {
		return NatureUnknown
	}
	switch l.Nature {
	case NatureB2B, NatureB2C:
		return l.Nature
	default:
		return NatureUnknown
	}
}

// CheckConsent applies a regime to a consent status.
func CheckConsent(regime ConsentRegime, status ConsentStatus) (bool, string) {
	switch regime {
	case RegimeOptIn:
		if status != ConsentGranted {
			return false, "no consent: opt_in regime requires granted consent"
		}
		return true, "consent granted under opt_in regime"
	case RegimeOptOut:
		if status == ConsentDenied {
			return false, "no consent: lead opted out"
		}
		return true, "no opt-out recorded under opt_out regime"
	default:
		return true, "calls allowed without consent"
	}
}
