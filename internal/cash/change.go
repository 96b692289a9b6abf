package cash

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decompose breaks amount into notes and coins, largest face first. The
// result is always exact since 1 is a supported face. Amounts needing more
// than MaxCount of the largest face are rejected.
func Decompose(amount int64) (Vector, error) {
	if amount < 0 {
		return Vector{}, fmt.Errorf("%w: %d is negative", ErrInvalidAmount, amount)
	}
	if amount/faces[0] > MaxCount {
		return Vector{}, fmt.Errorf("%w: %d is too large", ErrInvalidAmount, amount)
	}
	var v Vector
	copy(v.counts[:], greedy(amount, faces[:]))
	return v, nil
}

// greedy takes as many of each face as fit, in the order given. Only optimal
// for canonical face sets.
func greedy(amount int64, set []int64) []int64 {
	counts := make([]int64, len(set))
	for i, face := range set {
		counts[i], amount = amount/face, amount%face
	}
	return counts
}

// DecomposeDecimal decomposes a money amount, dropping any fraction of a
// whole unit first. The machine cannot dispense sub-units.
func DecomposeDecimal(amount decimal.Decimal) (Vector, error) {
	if amount.IsNegative() {
		return Vector{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	whole, err := toInt64(amount.Truncate(0))
	if err != nil {
		return Vector{}, err
	}
	return Decompose(whole)
}

// WholeAmount converts amount to whole units, rejecting fractions and
// negatives instead of truncating.
func WholeAmount(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s is not a whole amount", ErrInvalidAmount, amount)
	}
	return toInt64(amount)
}

// toInt64 converts a whole decimal, failing instead of wrapping when it does
// not fit.
func toInt64(whole decimal.Decimal) (int64, error) {
	n := whole.IntPart()
	if !decimal.NewFromInt(n).Equal(whole) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, whole)
	}
	return n, nil
}
