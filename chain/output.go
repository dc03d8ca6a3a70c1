// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"github.com/BoganyDamarien90/aptos-core/aggregator"
	"github.com/BoganyDamarien90/aptos-core/executor"
)

// Output collects one transaction's side effects during execution. The
// engine owns it after execution: accessors are read-only, and the engine
// calls each Incorporate method at most once, from a single goroutine, once
// the transaction's commit position is final.
type Output struct {
	resources map[string]executor.ValueWithLayout
	modules   map[string]interface{}
	aggWrites map[string]uint64
	aggDeltas map[string]aggregator.DeltaOp
	delayed   map[string]aggregator.DelayedChange
	events    []executor.Event
	fee       executor.FeeStatement
}

var _ executor.TransactionOutput[string, string] = (*Output)(nil)

func newOutput() *Output {
	return &Output{
		resources: make(map[string]executor.ValueWithLayout),
		modules:   make(map[string]interface{}),
		aggWrites: make(map[string]uint64),
		aggDeltas: make(map[string]aggregator.DeltaOp),
		delayed:   make(map[string]aggregator.DelayedChange),
	}
}

// skipOutput is the canonical empty output: no writes, no events, zero fees.
func skipOutput() *Output {
	return newOutput()
}

func (o *Output) ResourceWriteSet() map[string]executor.ValueWithLayout { return o.resources }

func (o *Output) ModuleWriteSet() map[string]interface{} { return o.modules }

func (o *Output) AggregatorV1WriteSet() map[string]uint64 { return o.aggWrites }

func (o *Output) AggregatorV1DeltaSet() map[string]aggregator.DeltaOp { return o.aggDeltas }

func (o *Output) DelayedFieldChangeSet() map[string]aggregator.DelayedChange { return o.delayed }

func (o *Output) Events() []executor.Event { return o.events }

func (o *Output) FeeStatement() executor.FeeStatement { return o.fee }

// IncorporateDeltaWrites replaces resolved deltas with absolute writes.
func (o *Output) IncorporateDeltaWrites(writes []executor.DeltaWrite[string]) {
	for _, w := range writes {
		delete(o.aggDeltas, w.Key)
		o.aggWrites[w.Key] = w.Value
	}
}

// IncorporateMaterializedOutput patches values and event payloads that
// embedded delayed-field snapshots, keeping layouts intact.
func (o *Output) IncorporateMaterializedOutput(
	aggregatorWrites []executor.DeltaWrite[string],
	patchedResources map[string]interface{},
	patchedEvents []interface{},
) {
	for _, w := range aggregatorWrites {
		delete(o.aggDeltas, w.Key)
		o.aggWrites[w.Key] = w.Value
	}
	for key, value := range patchedResources {
		vl := o.resources[key]
		vl.Value = value
		o.resources[key] = vl
	}
	for i, data := range patchedEvents {
		if i < len(o.events) {
			o.events[i].Data = data
		}
	}
}
