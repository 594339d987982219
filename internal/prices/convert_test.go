package prices

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestConvertToUSD(t *testing.T) {
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	got := ConvertToUSD(oneEther, Price{USD: big.NewInt(200_000_000), Decimals: 18})
	assert.True(t, decimal.NewFromInt(2).Equal(got), "got %s", got)

	assert.True(t, ConvertToUSD(nil, Price{USD: big.NewInt(1), Decimals: 18}).IsZero())
}

func TestConvertRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		price    int64
		decimals int
	}{
		{"usdc at par", "123456789", 100_000_000, 6},
		{"eth", "1500000000000000000", 231_245_000_000, 18},
		{"fractional price", "987654321987654321", 3_333, 18},
		{"dust", "1", 50_000_000, 18},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount, _ := new(big.Int).SetString(tc.amount, 10)
			p := Price{USD: big.NewInt(tc.price), Decimals: tc.decimals}

			back := ConvertFromUSD(ConvertToUSD(amount, p), p)
			diff := new(big.Int).Sub(amount, back)
			assert.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(1)) <= 0,
				"amount %s came back as %s", amount, back)
		})
	}
}

func TestConvertFromUSDFloors(t *testing.T) {
	p := Price{USD: big.NewInt(300_000_000), Decimals: 0}
	assert.Equal(t, int64(0), ConvertFromUSD(decimal.NewFromInt(1), p).Int64())
	assert.Equal(t, int64(3), ConvertFromUSD(decimal.NewFromInt(10), p).Int64())
	assert.Equal(t, int64(0), ConvertFromUSD(decimal.NewFromInt(10), Price{USD: new(big.Int)}).Int64())
}

func TestToFixedTruncates(t *testing.T) {
	assert.Equal(t, "123456789012", ToFixed(decimal.RequireFromString("1234.567890129")).String())
}
