package generic_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circle-engine/generic"
)

func TestMoneyJSON_RoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"1250.5"`, `"1250.50"`},
		{`"333.34"`, `"333.34"`},
		{`"0.01"`, `"0.01"`},
		{`42`, `"42.00"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var m generic.Money
			require.NoError(t, json.Unmarshal([]byte(tt.in), &m))

			out, err := json.Marshal(m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))

			var back generic.Money
			require.NoError(t, json.Unmarshal(out, &back))
			assert.True(t, m.Equal(back))
		})
	}
}

func TestMoney_RejectsSubCentAmounts(t *testing.T) {
	for _, raw := range []string{"333.335", "0.004", "-1.999"} {
		_, err := generic.NewMoneyFromString(raw)
		assert.ErrorIs(t, err, generic.ErrInvalidAmount, raw)
	}

	var m generic.Money
	assert.ErrorIs(t, json.Unmarshal([]byte(`0.004`), &m), generic.ErrInvalidAmount)

	// Trailing zeros past the scale are still whole cents.
	m, err := generic.NewMoneyFromString("12.500")
	require.NoError(t, err)
	assert.Equal(t, "12.50", m.String())
}

func TestMoney_StringNeverRounds(t *testing.T) {
	// Computed values that were not rounded print every digit.
	m := generic.NewMoney(decimal.RequireFromString("10.005"))

	assert.False(t, m.FitsScale())
	assert.Equal(t, "10.005", m.String())
	assert.Equal(t, "10.01", m.Round().String())
}
