package domain

import (
	"math"
	"math/big"
	"strconv"
)

// RoundHalfUp rounds v to the given number of decimal places, halves away
// from zero. v is read as the shortest decimal that round-trips to it, so
// RoundHalfUp(12.345, 2) is 12.35 even though the binary value of 12.345 is
// slightly below it.
func RoundHalfUp(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || places < 0 {
		return v
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return v
	}
	neg := r.Sign() < 0
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)

	r.Abs(r)
	r.Mul(r, new(big.Rat).SetInt(scale))
	r.Add(r, big.NewRat(1, 2))
	q := new(big.Int).Quo(r.Num(), r.Denom())

	f, _ := new(big.Rat).SetFrac(q, scale).Float64()
	if neg {
		f = -f
	}
	return f
}
