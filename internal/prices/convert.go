package prices

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point scale of stored USD prices.
const PriceDecimals = 8

// Price is a USD quote for one unit of a token, scaled by 10^PriceDecimals.
type Price struct {
	USD       *big.Int
	Decimals  int
	Block     uint64
	Timestamp time.Time
}

// ToFixed scales a USD quote to the stored integer form, truncating beyond
// PriceDecimals digits.
func ToFixed(usd decimal.Decimal) *big.Int {
	return usd.Shift(PriceDecimals).Floor().BigInt()
}

// ConvertToUSD returns amount * price / 10^(decimals+8) without rounding.
func ConvertToUSD(amount *big.Int, price Price) decimal.Decimal {
	if amount == nil || price.USD == nil {
		return decimal.Zero
	}
	product := new(big.Int).Mul(amount, price.USD)
	return decimal.NewFromBigInt(product, -int32(price.Decimals+PriceDecimals))
}

// ConvertFromUSD returns floor(usd * 10^(decimals+8) / price), the token amount
// worth usd. A zero price converts to zero.
func ConvertFromUSD(usd decimal.Decimal, price Price) *big.Int {
	if price.USD == nil || price.USD.Sign() == 0 {
		return new(big.Int)
	}
	scaled := usd.Shift(int32(price.Decimals + PriceDecimals)).Floor().BigInt()
	quo, mod := new(big.Int).QuoRem(scaled, price.USD, new(big.Int))
	if mod.Sign() < 0 {
		quo.Sub(quo, big.NewInt(1))
	}
	return quo
}
