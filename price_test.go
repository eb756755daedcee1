package agon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name    string
		price   Price
		want    int64
		wantErr bool
	}{
		{name: "dollar string", price: "$0.001", want: 1000},
		{name: "dollar string whole", price: "$2", want: 2_000_000},
		{name: "decimal string", price: "0.25", want: 250_000},
		{name: "dollar with suffix", price: "$1.50 USDC", want: 1_500_000},
		{name: "bare integer string is smallest units", price: "1000", want: 1000},
		{name: "int is smallest units", price: 1000, want: 1000},
		{name: "int64 is smallest units", price: int64(250_000), want: 250_000},
		{name: "integral float is smallest units", price: float64(1000), want: 1000},
		{name: "bogus", price: "bogus", wantErr: true},
		{name: "empty", price: "", wantErr: true},
		{name: "too many decimals", price: "$0.0000001", wantErr: true},
		{name: "negative", price: -5, wantErr: true},
		{name: "fractional float rejected", price: 0.001, wantErr: true},
		{name: "unsupported type", price: []string{"x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrice(tt.price)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrCodeValidation, ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "$0.001", FormatPrice(1000))
	assert.Equal(t, "$2", FormatPrice(2_000_000))
	assert.Equal(t, "$1.5", FormatPrice(1_500_000))
	assert.Equal(t, "$0", FormatPrice(0))
}
