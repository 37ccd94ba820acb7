package core

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// PartnerRevenueSharePercent is the share of each sealed window's revenue owed to
// partner chains.
const PartnerRevenueSharePercent = 25

var hundred = decimal.NewFromInt(100)

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// uint64FromDecimal truncates d towards zero and clamps it to the uint64 range.
func uint64FromDecimal(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	i := d.Truncate(0).BigInt()
	if !i.IsUint64() {
		return ^uint64(0)
	}
	return i.Uint64()
}

// PercentOf returns floor(amount * percent / 100).
// Uses decimal arithmetic so fractional percentages such as 2.5 are exact and large
// amounts cannot overflow.
func PercentOf(amount uint64, percent float64) uint64 {
	if percent <= 0 || amount == 0 {
		return 0
	}
	share := decimalFromUint64(amount).Mul(decimal.NewFromFloat(percent)).Div(hundred)
	return uint64FromDecimal(share)
}

// PartnerRevenueShare returns the partner chains' share of a window's revenue.
func PartnerRevenueShare(totalRevenue uint64) uint64 {
	return PercentOf(totalRevenue, PartnerRevenueSharePercent)
}

// SplitEvenly divides total among n recipients. The remainder is dropped.
func SplitEvenly(total uint64, n int) uint64 {
	if n <= 0 {
		return 0
	}
	return total / uint64(n)
}

// AddChecked returns a+b and false when the sum overflows.
func AddChecked(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// AddSaturating returns a+b, clamped to math.MaxUint64.
func AddSaturating(a, b uint64) uint64 {
	if sum, ok := AddChecked(a, b); ok {
		return sum
	}
	return math.MaxUint64
}
