package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPhoneNumber(t *testing.T) {
	tests := []struct {
		name     string
		number   string
		expected string
		wantErr  bool
	}{
		{name: "valid E.164 US number", number: "+15551234567", expected: "+15551234567"},
		{name: "US number with punctuation", number: "+1 (555) 123-4567", expected: "+15551234567"},
		{name: "national US format", number: "(555) 123-4567", wantErr: true},
		{name: "national Italian mobile", number: "333 123 4567", wantErr: true},
		{name: "country code without prefix", number: "1-555-123-4567", wantErr: true},
		{name: "international UK number", number: "+44 20 7123 4567", expected: "+442071234567"},
		{name: "international access prefix", number: "0039 06 1234 5678", expected: "+390612345678"},
		{name: "empty number", number: "", wantErr: true},
		{name: "too short", number: "123", wantErr: true},
		{name: "invalid characters", number: "abc-def-ghij", wantErr: true},
		{name: "too long", number: "+1234567890123456789", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phone, err := NewPhoneNumber(tt.number)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, phone.String())
		})
	}
}

func TestPhoneNumber_CountryISO(t *testing.T) {
	table := CallingCodeTable{
		Codes: map[string]string{
			"1":   "US",
			"44":  "GB",
			"39":  "IT",
			"353": "IE",
			"3":   "ZZ",
		},
		NANPAreaCodes: map[string]string{"416": "CA", "604": "CA"},
	}

	tests := []struct {
		name   string
		number string
		iso    string
		found  bool
	}{
		{"nanp default", "+12125550100", "US", true},
		{"nanp canadian area code", "+14165550100", "CA", true},
		{"two digit code", "+442071234567", "GB", true},
		{"longest match wins", "+35312345678", "IE", true},
		{"shorter fallback", "+39061234567", "IT", true},
		{"unknown code", "+8613812345678", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iso, ok := MustNewPhoneNumber(tt.number).CountryISO(table)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.iso, iso)
		})
	}

	_, ok := PhoneNumber{}.CountryISO(table)
	assert.False(t, ok)
}

func TestPhoneNumber_JSONAndScan(t *testing.T) {
	phone := MustNewPhoneNumber("+15551234567")

	data, err := json.Marshal(phone)
	require.NoError(t, err)
	assert.Equal(t, `"+15551234567"`, string(data))

	var decoded PhoneNumber
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, phone.Equal(decoded))

	var scanned PhoneNumber
	require.NoError(t, scanned.Scan([]byte("+442071234567")))
	assert.Equal(t, "+442071234567", scanned.String())
	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsEmpty())
	assert.Error(t, scanned.Scan(42))

	v, err := PhoneNumber{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
