package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMoney(t *testing.T) {
	tests := []struct {
		name     string
		minor    int64
		currency string
		want     string
		wantErr  bool
	}{
		{name: "usd", minor: 12345, currency: "USD", want: "123.45 USD"},
		{name: "lowercase currency", minor: 100, currency: "eur", want: "1.00 EUR"},
		{name: "zero exponent", minor: 500, currency: "JPY", want: "500 JPY"},
		{name: "three digit exponent", minor: 1500, currency: "KWD", want: "1.500 KWD"},
		{name: "negative correction", minor: -250, currency: "USD", want: "-2.50 USD"},
		{name: "empty currency", minor: 1, currency: "", wantErr: true},
		{name: "bad length", minor: 1, currency: "US", wantErr: true},
		{name: "digits", minor: 1, currency: "U5D", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMoney(tt.minor, tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
			assert.Equal(t, tt.minor, m.Minor())
		})
	}
}

func TestNewMoneyFromString(t *testing.T) {
	m, err := NewMoneyFromString("99.95", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(9995), m.Minor())

	_, err = NewMoneyFromString("1.005", "USD")
	assert.Error(t, err)

	_, err = NewMoneyFromString("abc", "USD")
	assert.Error(t, err)
}

func TestMoneyArithmetic(t *testing.T) {
	a := MustNewMoney(9500, USD)
	b := MustNewMoney(400, USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), sum.Minor())
	assert.True(t, b.Negate().IsNegative())

	_, err = a.Add(MustNewMoney(1, EUR))
	assert.Error(t, err)
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(MustNewMoney(600, USD))
	require.NoError(t, err)
	assert.JSONEq(t, `{"minor":600,"currency":"USD"}`, string(data))

	var m Money
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, int64(600), m.Minor())
	assert.Equal(t, USD, m.Currency())
}
