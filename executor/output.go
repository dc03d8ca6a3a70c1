// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	safemath "github.com/ava-labs/avalanchego/utils/math"

	"github.com/BoganyDamarien90/aptos-core/aggregator"
)

// ValueWithLayout is a written value together with an optional type layout.
// A non-nil layout marks a value that embeds delayed-field snapshots and
// needs patching once those fields resolve at commit.
type ValueWithLayout struct {
	Value  interface{}
	Layout interface{}
}

// Event is one emitted event with an optional layout, same convention as
// ValueWithLayout.
type Event struct {
	Data   interface{}
	Layout interface{}
}

// DeltaWrite is a resolved aggregator value keyed by the state key it
// replaces the delta under.
type DeltaWrite[K comparable] struct {
	Key   K
	Value uint64
}

// FeeStatement is the gas and fee accounting of one transaction. Present on
// every output, zero-valued on skip outputs.
type FeeStatement struct {
	TotalGasUnits     uint64
	ExecutionGasUnits uint64
	IOGasUnits        uint64
	StorageFee        uint64
	StorageFeeRefund  uint64
}

// Add accumulates another statement into f, erroring on overflow.
func (f FeeStatement) Add(o FeeStatement) (FeeStatement, error) {
	var (
		out FeeStatement
		err error
	)
	if out.TotalGasUnits, err = safemath.Add64(f.TotalGasUnits, o.TotalGasUnits); err != nil {
		return out, err
	}
	if out.ExecutionGasUnits, err = safemath.Add64(f.ExecutionGasUnits, o.ExecutionGasUnits); err != nil {
		return out, err
	}
	if out.IOGasUnits, err = safemath.Add64(f.IOGasUnits, o.IOGasUnits); err != nil {
		return out, err
	}
	if out.StorageFee, err = safemath.Add64(f.StorageFee, o.StorageFee); err != nil {
		return out, err
	}
	out.StorageFeeRefund, err = safemath.Add64(f.StorageFeeRefund, o.StorageFeeRefund)
	return out, err
}

// DelayedResolver reports the committed value of a delayed field at the
// owning transaction's position.
type DelayedResolver[I comparable] func(id I) (uint64, bool)

// DelayedPatchable is implemented by resource values and event payloads that
// embed delayed-field snapshots. PatchDelayed returns a copy with every
// snapshot replaced by its resolved value; it must not mutate the receiver.
type DelayedPatchable[I comparable] interface {
	PatchDelayed(resolve DelayedResolver[I]) interface{}
}

// TransactionOutput is the structured side effects of one transaction, kept
// separate by kind because each kind validates and merges differently.
//
// All accessors must be idempotent and side-effect-free: they are called
// repeatedly during validation and commit. The two Incorporate methods are
// each called at most once, by the engine, only after the owning index's
// commit position is final; afterwards the accessors must reflect fully
// materialized values, indistinguishable from an output produced with
// materializeDeltas=true from the start.
type TransactionOutput[K comparable, I comparable] interface {
	// ResourceWriteSet returns ordinary state writes: key to new value with
	// an optional layout.
	ResourceWriteSet() map[K]ValueWithLayout

	// ModuleWriteSet returns code publications. Modules never merge
	// partially; any overlap is a conflict.
	ModuleWriteSet() map[K]interface{}

	// AggregatorV1WriteSet returns absolute writes to legacy aggregator
	// keys.
	AggregatorV1WriteSet() map[K]uint64

	// AggregatorV1DeltaSet returns relative, commutative updates to legacy
	// aggregator keys.
	AggregatorV1DeltaSet() map[K]aggregator.DeltaOp

	// DelayedFieldChangeSet returns changes to delayed fields, keyed by
	// field identifier.
	DelayedFieldChangeSet() map[I]aggregator.DelayedChange

	// Events returns the ordered event sequence.
	Events() []Event

	// FeeStatement returns the transaction's fee accounting.
	FeeStatement() FeeStatement

	// IncorporateDeltaWrites folds resolved aggregator deltas into the
	// write set. After the call AggregatorV1DeltaSet is empty and the
	// resolved values appear in AggregatorV1WriteSet.
	IncorporateDeltaWrites(writes []DeltaWrite[K])

	// IncorporateMaterializedOutput replaces aggregator writes and patches
	// resource values and event payloads that embedded delayed-field
	// snapshots.
	IncorporateMaterializedOutput(
		aggregatorWrites []DeltaWrite[K],
		patchedResources map[K]interface{},
		patchedEvents []interface{},
	)
}
