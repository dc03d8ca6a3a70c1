// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package aggregator

import (
	"errors"
	"fmt"
)

var (
	ErrDelayedFieldExists   = errors.New("delayed field already created")
	ErrDelayedFieldNotFound = errors.New("delayed field does not exist")
)

// DelayedKind discriminates the two changes a transaction can make to a
// delayed field.
type DelayedKind uint8

const (
	// DelayedCreate introduces the field with an initial value.
	DelayedCreate DelayedKind = iota
	// DelayedApply updates an existing field with a commutative delta.
	DelayedApply
)

// DelayedChange is one transaction's change to a delayed field. Unlike
// aggregator v1 deltas, which live under ordinary state keys, delayed fields
// are addressed by identifier and support creation in the same block that
// later transactions update them in.
type DelayedChange struct {
	Kind  DelayedKind
	Value uint64 // initial value for DelayedCreate
	Delta DeltaOp // update for DelayedApply
}

// CreateDelayed returns a change that creates a field with [value].
func CreateDelayed(value uint64) DelayedChange {
	return DelayedChange{Kind: DelayedCreate, Value: value}
}

// ApplyDelayed returns a change that applies [delta] to an existing field.
func ApplyDelayed(delta DeltaOp) DelayedChange {
	return DelayedChange{Kind: DelayedApply, Delta: delta}
}

// ApplyTo resolves the change against the field's prior value. [exists]
// reports whether the field was present before this change.
func (c DelayedChange) ApplyTo(base uint64, exists bool) (uint64, error) {
	switch c.Kind {
	case DelayedCreate:
		if exists {
			return 0, ErrDelayedFieldExists
		}
		return c.Value, nil
	case DelayedApply:
		if !exists {
			return 0, ErrDelayedFieldNotFound
		}
		return c.Delta.ApplyTo(base)
	default:
		return 0, fmt.Errorf("unknown delayed change kind %d", c.Kind)
	}
}

// MergeDelayed folds [next] on top of [prev] so a re-executed transaction's
// cumulative change stays a single entry. Create followed by Apply collapses
// back into a Create of the resolved value.
func MergeDelayed(prev, next DelayedChange) (DelayedChange, error) {
	switch next.Kind {
	case DelayedCreate:
		if prev.Kind == DelayedCreate {
			return DelayedChange{}, ErrDelayedFieldExists
		}
		return next, nil
	case DelayedApply:
		switch prev.Kind {
		case DelayedCreate:
			value, err := next.Delta.ApplyTo(prev.Value)
			if err != nil {
				return DelayedChange{}, err
			}
			return CreateDelayed(value), nil
		case DelayedApply:
			merged, err := prev.Delta.MergeWith(next.Delta)
			if err != nil {
				return DelayedChange{}, err
			}
			return ApplyDelayed(merged), nil
		}
	}
	return DelayedChange{}, fmt.Errorf("unknown delayed change kind %d", next.Kind)
}
