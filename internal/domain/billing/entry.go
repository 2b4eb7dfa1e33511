package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

// KindCorrection marks negative entries written by a credit.
const KindCorrection = "correction"

// LedgerEntry is one append-only monetary movement. Entries are never updated
// or deleted; corrections are new entries with a negative amount.
//
// The reservation outcome (MTD before/after, threshold hit, soft overrun) and
// the cap and reset day it was judged against are stored with the entry so an
// idempotent replay returns it verbatim even after the policy changes.
type LedgerEntry struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	Provider       string            `json:"provider,omitempty"`
	Kind           string            `json:"kind"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	MTDBefore      int64             `json:"mtd_before"`
	MTDAfter       int64             `json:"mtd_after"`
	CapMinor       int64             `json:"cap_minor"`
	ResetDay       int               `json:"reset_day"`
	ThresholdHit   string            `json:"threshold_hit,omitempty"`
	SoftExceeded   bool              `json:"soft_exceeded"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Amount returns the entry amount as Money.
func (e LedgerEntry) Amount() (values.Money, error) {
	return values.NewMoney(e.AmountMinor, e.Currency)
}

// IsCorrection reports whether the entry reverses earlier spend.
func (e LedgerEntry) IsCorrection() bool {
	return e.Kind == KindCorrection || e.AmountMinor < 0
}

// Outcome rebuilds the reservation this entry recorded.
func (e LedgerEntry) Outcome() Reservation {
	return Reservation{
		Reserved:     true,
		Replayed:     true,
		EntryID:      e.ID,
		AmountMinor:  e.AmountMinor,
		MTDBefore:    e.MTDBefore,
		MTDAfter:     e.MTDAfter,
		CapMinor:     e.CapMinor,
		ThresholdHit: e.ThresholdHit,
		SoftExceeded: e.SoftExceeded,
		Window:       WindowAt(e.ResetDay, e.CreatedAt),
	}
}
