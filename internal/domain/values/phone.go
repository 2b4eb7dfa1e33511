package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PhoneNumber represents a validated phone number value object
type PhoneNumber struct {
	number string // Stored in E.164 format (+1234567890)
}

// E.164 format regex: + followed by up to 15 digits
var e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// NewPhoneNumber creates a new PhoneNumber value object with validation.
// The number must carry its country code behind a + or 00 prefix; national
// formats are rejected since their country cannot be known.
func NewPhoneNumber(number string) (PhoneNumber, error) {
	if strings.TrimSpace(number) == "" {
		return PhoneNumber{}, PhoneValidationError{Number: number, Reason: "empty"}
	}

	cleaned := cleanPhoneNumber(number)
	if strings.HasPrefix(cleaned, "00") {
		cleaned = "+" + cleaned[2:]
	}

	if e164Regex.MatchString(cleaned) {
		return PhoneNumber{number: cleaned}, nil
	}

	return PhoneNumber{}, PhoneValidationError{Number: number, Reason: "not an E.164 number"}
}

// MustNewPhoneNumber creates PhoneNumber and panics on error (for constants/tests)
func MustNewPhoneNumber(number string) PhoneNumber {
	phone, err := NewPhoneNumber(number)
	if err != nil {
		panic(err)
	}
	return phone
}

// String returns the phone number in E.164 format
func (p PhoneNumber) String() string {
	return p.number
}

// IsEmpty checks if the phone number is empty
func (p PhoneNumber) IsEmpty() bool {
	return p.number == ""
}

// Equal checks if two PhoneNumber values are equal
func (p PhoneNumber) Equal(other PhoneNumber) bool {
	return p.number == other.number
}

// Digits returns the number without the leading +
func (p PhoneNumber) Digits() string {
	return strings.TrimPrefix(p.number, "+")
}

// AreaCode returns the NANP area code, or "" for numbers outside +1.
func (p PhoneNumber) AreaCode() string {
	if !strings.HasPrefix(p.number, "+1") || len(p.number) != 12 {
		return ""
	}
	return p.number[2:5]
}

// CallingCodeTable maps international calling codes (digits, no +) to ISO 3166
// alpha-2 country codes. NANPAreaCodes lists area codes of +1 that belong to a
// country other than the table's "1" entry.
type CallingCodeTable struct {
	Codes         map[string]string
	NANPAreaCodes map[string]string
}

// CountryISO detects the callee country by longest calling-code match.
// It returns false when no code matches.
func (p PhoneNumber) CountryISO(table CallingCodeTable) (string, bool) {
	if p.IsEmpty() {
		return "", false
	}
	digits := p.Digits()

	if strings.HasPrefix(digits, "1") {
		if iso, ok := table.NANPAreaCodes[p.AreaCode()]; ok {
			return iso, true
		}
	}

	// Calling codes are at most three digits.
	for n := 3; n >= 1; n-- {
		if len(digits) < n {
			continue
		}
		if iso, ok := table.Codes[digits[:n]]; ok {
			return iso, true
		}
	}
	return "", false
}

// MarshalJSON implements JSON marshaling
func (p PhoneNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.number)
}

// UnmarshalJSON implements JSON unmarshaling
func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	var number string
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}

	phone, err := NewPhoneNumber(number)
	if err != nil {
		return err
	}

	*p = phone
	return nil
}

// Value implements driver.Valuer for database storage
func (p PhoneNumber) Value() (driver.Value, error) {
	if p.number == "" {
		return nil, nil
	}
	return p.number, nil
}

// Scan implements sql.Scanner for database retrieval
func (p *PhoneNumber) Scan(value interface{}) error {
	if value == nil {
		*p = PhoneNumber{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into PhoneNumber", value)
	}

	if str == "" {
		*p = PhoneNumber{}
		return nil
	}

	phone, err := NewPhoneNumber(str)
	if err != nil {
		return err
	}

	*p = phone
	return nil
}

func cleanPhoneNumber(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, char := range number {
		if char >= '0' && char <= '9' || char == '+' {
			b.WriteRune(char)
		}
	}
	return b.String()
}

// PhoneValidationError represents validation errors for phone numbers
type PhoneValidationError struct {
	Number string
	Reason string
}

func (e PhoneValidationError) Error() string {
	return fmt.Sprintf("invalid phone number '%s': %s", e.Number, e.Reason)
}
