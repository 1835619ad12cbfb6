package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.05", "50000000000000000"},
		{"0.005", "5000000000000000"},
		{"1", "1000000000000000000"},
		{"0", "0"},
		{"0.000000000000000001", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			wei, err := ParseEther(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, wei.String())
		})
	}
}

func TestParseEther_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		_, err := ParseEther(in)
		assert.ErrorIs(t, err, ErrInvalidAmount, "input %q", in)
	}
}

func TestFormatEther_RoundTrip(t *testing.T) {
	wei, err := ParseEther("0.05")
	require.NoError(t, err)
	assert.Equal(t, "0.05", FormatEther(wei))

	assert.Equal(t, "1.5", FormatEther(big.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "0", FormatEther(nil))
}
