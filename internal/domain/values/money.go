package values

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a signed amount in minor currency units (cents for USD).
// Ledger arithmetic stays in int64; decimal is only used at the edges.
type Money struct {
	minor    int64
	currency string
}

// Common currency codes (ISO 4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	JPY = "JPY"
	CAD = "CAD"
)

// minorExponent lists currencies whose minor unit is not 1/100.
var minorExponent = map[string]int32{
	JPY:   0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// NewMoney creates Money from minor units
func NewMoney(minor int64, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}
	return Money{minor: minor, currency: currency}, nil
}

// MustNewMoney creates Money and panics on error (for constants/tests)
func MustNewMoney(minor int64, currency string) Money {
	m, err := NewMoney(minor, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMoneyFromString parses a major-unit amount such as "12.34".
// Amounts with more precision than the currency's minor unit are rejected.
func NewMoneyFromString(amount, currency string) (Money, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	scaled := dec.Shift(exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %s has more precision than %s allows", amount, currency)
	}
	return NewMoney(scaled.IntPart(), currency)
}

// Minor returns the amount in minor units
func (m Money) Minor() int64 {
	return m.minor
}

// Currency returns the currency code
func (m Money) Currency() string {
	return m.currency
}

// Major returns the amount in major units
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.minor, -exponent(m.currency))
}

// String returns money with currency code (e.g., "123.45 USD")
func (m Money) String() string {
	return m.Major().StringFixed(exponent(m.currency)) + " " + m.currency
}

// IsZero checks if the amount is zero
func (m Money) IsZero() bool {
	return m.minor == 0
}

// IsNegative checks if the amount is negative
func (m Money) IsNegative() bool {
	return m.minor < 0
}

// Add adds two Money values (must have same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot add different currencies: %s and %s", m.currency, other.currency)
	}
	return Money{minor: m.minor + other.minor, currency: m.currency}, nil
}

// Negate flips the sign, used for correction entries
func (m Money) Negate() Money {
	return Money{minor: -m.minor, currency: m.currency}
}

// MarshalJSON implements JSON marshaling
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Minor    int64  `json:"minor"`
		Currency string `json:"currency"`
	}{m.minor, m.currency})
}

// UnmarshalJSON implements JSON unmarshaling
func (m *Money) UnmarshalJSON(data []byte) error {
	var temp struct {
		Minor    int64  `json:"minor"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	money, err := NewMoney(temp.Minor, temp.Currency)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

func exponent(currency string) int32 {
	if e, ok := minorExponent[currency]; ok {
		return e
	}
	return 2
}

// ValidateCurrency checks the ISO 4217 shape of a currency code.
func ValidateCurrency(currency string) error {
	return validateCurrency(strings.ToUpper(currency))
}

func validateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("currency cannot be empty")
	}
	if len(currency) != 3 {
		return fmt.Errorf("currency code must be 3 characters")
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("currency code must be alphabetic: %s", currency)
		}
	}
	return nil
}
