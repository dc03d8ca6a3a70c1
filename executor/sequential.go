// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"fmt"
)

// ExecuteSequential runs [txns] strictly in index order with
// materializeDeltas set, so every output is final at execution time and the
// Incorporate methods are never called. This is both the fallback mode and
// the reference behavior the parallel path must reproduce exactly.
func (e *BlockExecutor[A, T, K, I, O, E]) ExecuteSequential(txns []T, base BaseView[K, I]) (*BlockResult[O], error) {
	et := e.cfg.NewTask(e.cfg.Argument)
	view := newOverlayView[K, I](base)
	results := make([]TxnResult[O], len(txns))

	for i, txn := range txns {
		view.idx = i
		status := et.ExecuteTransaction(view, txn, i, true)

		if !status.IsSuccess() {
			err := status.Err()
			switch err.Category() {
			case ValidError:
				results[i] = TxnResult[O]{Output: et.SkipOutput(), Err: err}
				continue
			case SpeculativeExecutionAbortError:
				// There is nothing speculative about sequential execution.
				return nil, fmt.Errorf("%w: txn %d aborted speculatively in sequential mode", ErrBlockHalted, i)
			default:
				return nil, fmt.Errorf("%w: %s", ErrBlockHalted, err)
			}
		}

		out := status.Output()
		if err := applyToOverlay[K, I](view, out, i); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBlockHalted, err)
		}
		results[i] = TxnResult[O]{Output: out}

		if status.IsSkipRest() {
			e.log.Info("skipping rest of block", "after", i)
			for j := i + 1; j < len(txns); j++ {
				results[j] = TxnResult[O]{Output: et.SkipOutput(), Skipped: true}
			}
			break
		}
	}
	return &BlockResult[O]{Results: results}, nil
}

// applyToOverlay commits an output into the sequential overlay so the next
// transaction reads it.
func applyToOverlay[K comparable, I comparable](view *overlayView[K, I], out TransactionOutput[K, I], idx TxnIndex) error {
	if len(out.AggregatorV1DeltaSet()) > 0 {
		// With materializeDeltas the task resolves deltas inline; a delta
		// in the output means the executor broke the contract.
		return fmt.Errorf("%w: txn %d", errSequentialDeltas, idx)
	}
	for key, vl := range out.ResourceWriteSet() {
		view.resources[key] = vl.Value
	}
	for key, value := range out.ModuleWriteSet() {
		view.modules[key] = value
	}
	for key, value := range out.AggregatorV1WriteSet() {
		view.aggregators[key] = value
	}
	for id, change := range out.DelayedFieldChangeSet() {
		cur, exists, err := view.GetDelayedField(id)
		if err != nil {
			return err
		}
		value, err := change.ApplyTo(cur, exists)
		if err != nil {
			return fmt.Errorf("txn %d: resolving delayed field change: %w", idx, err)
		}
		view.delayed[id] = value
	}
	return nil
}
