// Package balance formats amounts of the chain's native currency.
//
// Balances use 18 decimal places. All amounts are held as big.Int in the
// smallest unit (1 SSC = 10^18 shannons) so that no arithmetic on a payout
// ever passes through floating point.
package balance

import (
	"math/big"
	"strings"
)

const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 18 decimal places.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0." + strings.Repeat("0", Decimals)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Whole returns the amount in SSC as a float. Used only for metrics
// where a float gauge is unavoidable.
func Whole(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(amount, unit).Float64()
	return f
}
