package billing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
	"github.com/davidleathers/dispatch-guard/internal/domain/validation"
)

// BudgetPolicy is carried on the tenant record and read under the tenant
// lock during every spend check.
type BudgetPolicy struct {
	MonthlyCapMinor   int64             `json:"monthly_cap_minor" validate:"gte=0"`
	Currency          string            `json:"currency" validate:"required,iso4217"`
	ResetDay          int               `json:"reset_day" validate:"min=1,max=28"`
	HardStop          bool              `json:"hard_stop"`
	WarningThresholds []decimal.Decimal `json:"warning_thresholds"`
}

// Validate checks field ranges and that thresholds are positive and
// strictly ascending.
func (p BudgetPolicy) Validate() error {
	if err := validation.Struct(p); err != nil {
		return err
	}
	for i, th := range p.WarningThresholds {
		if !th.IsPositive() {
			return apperrors.NewValidationError(apperrors.CodeInvalidInput,
				fmt.Sprintf("warning threshold %s must be positive", th))
		}
		if i > 0 && !th.GreaterThan(p.WarningThresholds[i-1]) {
			return apperrors.NewValidationError(apperrors.CodeInvalidInput,
				"warning thresholds must be strictly ascending")
		}
	}
	return nil
}

// Unlimited reports whether the policy has no cap.
func (p BudgetPolicy) Unlimited() bool {
	return p.MonthlyCapMinor <= 0
}

// ParseThresholds parses and sorts threshold strings such as "0.8".
func ParseThresholds(raw []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(raw))
	for _, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse warning threshold %q: %w", s, err)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out, nil
}

// FormatThresholds is the inverse of ParseThresholds.
func FormatThresholds(ths []decimal.Decimal) []string {
	out := make([]string, len(ths))
	for i, th := range ths {
		out[i] = th.String()
	}
	return out
}

// Assessment is the budget arithmetic for one prospective spend.
type Assessment struct {
	MTDBefore    int64
	MTDAfter     int64
	Ratio        decimal.Decimal
	ThresholdHit string
	OverCap      bool
}

// Assess computes the post-spend ratio and the highest threshold at or below
// it. Ratio and thresholds are only meaningful when a cap is set.
func (p BudgetPolicy) Assess(mtd, amount int64) Assessment {
	a := Assessment{MTDBefore: mtd, MTDAfter: mtd + amount}
	if p.Unlimited() {
		return a
	}

	a.Ratio = decimal.NewFromInt(a.MTDAfter).Div(decimal.NewFromInt(p.MonthlyCapMinor))
	for _, th := range p.WarningThresholds {
		if th.LessThanOrEqual(a.Ratio) {
			a.ThresholdHit = th.String()
		}
	}
	a.OverCap = a.MTDAfter > p.MonthlyCapMinor
	return a
}
