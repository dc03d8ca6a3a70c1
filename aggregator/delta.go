// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package aggregator

import (
	"errors"
	"fmt"

	safemath "github.com/ava-labs/avalanchego/utils/math"
)

var (
	ErrOverflow  = errors.New("aggregator overflow: delta result exceeds limit")
	ErrUnderflow = errors.New("aggregator underflow: delta result below zero")
)

// DeltaHistory records the largest speculative excursions a transaction's
// delta took while executing. A delta validates against a base value only if
// every intermediate value the transaction could have observed stays within
// [0, limit]; without the history, +10 followed by -10 would validate against
// any base even though the +10 step may have overflowed.
type DeltaHistory struct {
	// MaxAchievedPositive is the largest net positive offset reached.
	MaxAchievedPositive uint64
	// MinAchievedNegative is the magnitude of the largest net negative
	// offset reached.
	MinAchievedNegative uint64
}

// DeltaOp is a commutative update to a bounded uint64 counter: add or
// subtract [Value], where the counter must stay within [0, Limit] at every
// step. Two transactions touching the same counter with deltas do not
// conflict; their ops merge associatively and resolve against the committed
// base value at commit time.
type DeltaOp struct {
	Positive bool
	Value    uint64
	Limit    uint64
	History  DeltaHistory
}

// Add returns a delta that increases a counter bounded by [limit] by [value].
func Add(value, limit uint64) DeltaOp {
	return DeltaOp{
		Positive: true,
		Value:    value,
		Limit:    limit,
		History:  DeltaHistory{MaxAchievedPositive: value},
	}
}

// Sub returns a delta that decreases a counter bounded by [limit] by [value].
func Sub(value, limit uint64) DeltaOp {
	return DeltaOp{
		Positive: false,
		Value:    value,
		Limit:    limit,
		History:  DeltaHistory{MinAchievedNegative: value},
	}
}

// Validate returns nil iff applying this delta to [base] keeps every
// intermediate value within bounds.
func (d DeltaOp) Validate(base uint64) error {
	if base > d.Limit {
		return fmt.Errorf("%w: base %d above limit %d", ErrOverflow, base, d.Limit)
	}
	peak, err := safemath.Add64(base, d.History.MaxAchievedPositive)
	if err != nil || peak > d.Limit {
		return fmt.Errorf("%w: base %d, achieved +%d, limit %d",
			ErrOverflow, base, d.History.MaxAchievedPositive, d.Limit)
	}
	if base < d.History.MinAchievedNegative {
		return fmt.Errorf("%w: base %d, achieved -%d",
			ErrUnderflow, base, d.History.MinAchievedNegative)
	}
	return nil
}

// ApplyTo resolves the delta against a concrete base value.
func (d DeltaOp) ApplyTo(base uint64) (uint64, error) {
	if err := d.Validate(base); err != nil {
		return 0, err
	}
	if d.Positive {
		out, err := safemath.Add64(base, d.Value)
		if err != nil || out > d.Limit {
			return 0, fmt.Errorf("%w: %d + %d over limit %d", ErrOverflow, base, d.Value, d.Limit)
		}
		return out, nil
	}
	out, err := safemath.Sub64(base, d.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: %d - %d", ErrUnderflow, base, d.Value)
	}
	return out, nil
}

// MergeWith folds [next] on top of d, producing a single delta whose
// application equals applying d first and [next] second. The merged history
// keeps the worst excursion of either step so validation stays exact.
func (d DeltaOp) MergeWith(next DeltaOp) (DeltaOp, error) {
	if d.Limit != next.Limit {
		return DeltaOp{}, fmt.Errorf("cannot merge deltas with different limits: %d != %d", d.Limit, next.Limit)
	}

	merged := DeltaOp{Limit: d.Limit}

	// Net value of the combined delta.
	pos, val, err := addSigned(d.Positive, d.Value, next.Positive, next.Value)
	if err != nil {
		return DeltaOp{}, err
	}
	merged.Positive, merged.Value = pos, val

	// [next]'s history offsets are relative to the value after d; shift them
	// by d's net before combining.
	shiftedMax, err := shiftPositive(next.History.MaxAchievedPositive, d.Positive, d.Value)
	if err != nil {
		return DeltaOp{}, err
	}
	shiftedMin, err := shiftNegative(next.History.MinAchievedNegative, d.Positive, d.Value)
	if err != nil {
		return DeltaOp{}, err
	}
	merged.History = DeltaHistory{
		MaxAchievedPositive: max64(d.History.MaxAchievedPositive, shiftedMax),
		MinAchievedNegative: max64(d.History.MinAchievedNegative, shiftedMin),
	}
	return merged, nil
}

// addSigned adds two sign/magnitude values, erroring on uint64 overflow.
func addSigned(aPos bool, a uint64, bPos bool, b uint64) (bool, uint64, error) {
	if aPos == bPos {
		sum, err := safemath.Add64(a, b)
		if err != nil {
			return false, 0, fmt.Errorf("%w: merged delta magnitude overflows", ErrOverflow)
		}
		return aPos, sum, nil
	}
	if a >= b {
		return aPos, a - b, nil
	}
	return bPos, b - a, nil
}

// shiftPositive returns the positive excursion [offset] relative to a base
// already shifted by the signed delta (prevPos, prev), re-expressed relative
// to the original base. Clamped at zero when the shift pulls it negative.
func shiftPositive(offset uint64, prevPos bool, prev uint64) (uint64, error) {
	if prevPos {
		return safemath.Add64(offset, prev)
	}
	if offset <= prev {
		return 0, nil
	}
	return offset - prev, nil
}

// shiftNegative is the mirror of shiftPositive for negative excursions.
func shiftNegative(offset uint64, prevPos bool, prev uint64) (uint64, error) {
	if !prevPos {
		return safemath.Add64(offset, prev)
	}
	if offset <= prev {
		return 0, nil
	}
	return offset - prev, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
