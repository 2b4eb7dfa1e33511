package billing

import (
	"github.com/google/uuid"

	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
)

// Reservation is the outcome of a spend check. A rejection is a value, not
// an error; Err converts it for transports that need one.
type Reservation struct {
	Reserved     bool      `json:"reserved"`
	Replayed     bool      `json:"replayed,omitempty"`
	EntryID      uuid.UUID `json:"entry_id,omitempty"`
	AmountMinor  int64     `json:"amount_minor"`
	MTDBefore    int64     `json:"mtd_before"`
	MTDAfter     int64     `json:"mtd_after"`
	CapMinor     int64     `json:"cap_minor"`
	ThresholdHit string    `json:"threshold_hit,omitempty"`
	SoftExceeded bool      `json:"soft_exceeded,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Window       Window    `json:"window"`
}

// Warning reports a soft-stop overrun or a crossed warning threshold.
func (r Reservation) Warning() bool {
	return r.SoftExceeded || r.ThresholdHit != ""
}

// Err returns a BudgetExceeded error for a rejected reservation.
func (r Reservation) Err() error {
	if r.Reserved {
		return nil
	}
	return apperrors.NewBudgetExceededError(r.MTDBefore, r.MTDAfter, r.CapMinor, r.ThresholdHit)
}
