// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/BoganyDamarien90/aptos-core/aggregator"
)

// testLogger discards the engine's logging so the intentional-halt tests
// stay quiet.
func testLogger() log.Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}

// mockBase is an immutable pre-block storage snapshot for engine tests.
type mockBase struct {
	resources   map[string]interface{}
	modules     map[string]interface{}
	aggregators map[string]uint64
	delayed     map[string]uint64
}

var _ BaseView[string, string] = (*mockBase)(nil)

func newMockBase() *mockBase {
	return &mockBase{
		resources:   make(map[string]interface{}),
		modules:     make(map[string]interface{}),
		aggregators: make(map[string]uint64),
		delayed:     make(map[string]uint64),
	}
}

func (b *mockBase) BaseResource(key string) (interface{}, bool, error) {
	v, ok := b.resources[key]
	return v, ok, nil
}

func (b *mockBase) BaseModule(key string) (interface{}, bool, error) {
	v, ok := b.modules[key]
	return v, ok, nil
}

func (b *mockBase) BaseAggregatorV1(key string) (uint64, bool, error) {
	v, ok := b.aggregators[key]
	return v, ok, nil
}

func (b *mockBase) BaseDelayedField(id string) (uint64, bool, error) {
	v, ok := b.delayed[id]
	return v, ok, nil
}

// mockOutput is a plain bag-of-write-sets TransactionOutput.
type mockOutput struct {
	resources map[string]ValueWithLayout
	modules   map[string]interface{}
	aggWrites map[string]uint64
	aggDeltas map[string]aggregator.DeltaOp
	delayed   map[string]aggregator.DelayedChange
	events    []Event
	fee       FeeStatement
}

var _ TransactionOutput[string, string] = (*mockOutput)(nil)

func newMockOutput() *mockOutput {
	return &mockOutput{
		resources: make(map[string]ValueWithLayout),
		modules:   make(map[string]interface{}),
		aggWrites: make(map[string]uint64),
		aggDeltas: make(map[string]aggregator.DeltaOp),
		delayed:   make(map[string]aggregator.DelayedChange),
	}
}

func (o *mockOutput) ResourceWriteSet() map[string]ValueWithLayout { return o.resources }
func (o *mockOutput) ModuleWriteSet() map[string]interface{} { return o.modules }
func (o *mockOutput) AggregatorV1WriteSet() map[string]uint64 { return o.aggWrites }
func (o *mockOutput) AggregatorV1DeltaSet() map[string]aggregator.DeltaOp { return o.aggDeltas }
func (o *mockOutput) DelayedFieldChangeSet() map[string]aggregator.DelayedChange {
	return o.delayed
}
func (o *mockOutput) Events() []Event { return o.events }
func (o *mockOutput) FeeStatement() FeeStatement { return o.fee }

func (o *mockOutput) IncorporateDeltaWrites(writes []DeltaWrite[string]) {
	for _, w := range writes {
		delete(o.aggDeltas, w.Key)
		o.aggWrites[w.Key] = w.Value
	}
}

func (o *mockOutput) IncorporateMaterializedOutput(
	aggregatorWrites []DeltaWrite[string],
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

// mockErr is the categorized error type engine tests abort with.
type mockErr struct {
	category ErrorCategory
	err      error
}

var _ CategorizedError = (*mockErr)(nil)

func (e *mockErr) Error() string { return e.err.Error() }
func (e *mockErr) Category() ErrorCategory { return e.category }
func (e *mockErr) Unwrap() error { return e.err }

func mockValidErr(msg string) *mockErr {
	return &mockErr{category: ValidError, err: errors.New(msg)}
}

func mockSpeculativeErr(err error) *mockErr {
	return &mockErr{category: SpeculativeExecutionAbortError, err: err}
}

func mockInvariantErr(msg string) *mockErr {
	return &mockErr{category: CodeInvariantError, err: errors.New(msg)}
}

// txnFunc is one scripted transaction.
type txnFunc func(view StateView[string, string], materialize bool) ExecutionStatus[*mockOutput, *mockErr]

// mockTask executes scripted transactions; the block is the []txnFunc itself.
type mockTask struct{}

var _ ExecutorTask[txnFunc, string, string, *mockOutput, *mockErr] = (*mockTask)(nil)

func newMockTask(struct{}) ExecutorTask[txnFunc, string, string, *mockOutput, *mockErr] {
	return &mockTask{}
}

func (t *mockTask) ExecuteTransaction(
	view StateView[string, string],
	txn txnFunc,
	txnIdx TxnIndex,
	materializeDeltas bool,
) ExecutionStatus[*mockOutput, *mockErr] {
	return txn(view, materializeDeltas)
}

func (t *mockTask) SkipOutput() *mockOutput { return newMockOutput() }

func mockExecutor(workers int) *BlockExecutor[struct{}, txnFunc, string, string, *mockOutput, *mockErr] {
	return NewBlockExecutor(Config[struct{}, txnFunc, string, string, *mockOutput, *mockErr]{
		Concurrency: workers,
		NewTask:     newMockTask,
		Log:         testLogger(),
	})
}

// incrementTxn reads a uint64 counter resource and writes it back plus one.
func incrementTxn(key string) txnFunc {
	return func(view StateView[string, string], _ bool) ExecutionStatus[*mockOutput, *mockErr] {
		value, found, err := view.GetResource(key)
		if err != nil {
			return Abort[*mockOutput](mockSpeculativeErr(err))
		}
		var counter uint64
		if found {
			c, ok := value.(uint64)
			if !ok {
				return Abort[*mockOutput](mockInvariantErr(fmt.Sprintf("counter is %T", value)))
			}
			counter = c
		}
		out := newMockOutput()
		out.resources[key] = ValueWithLayout{Value: counter + 1}
		return Success[*mockOutput, *mockErr](out)
	}
}

// deltaTxn emits a bounded aggregator delta without reading the value.
func deltaTxn(key string, add uint64, limit uint64) txnFunc {
	return func(view StateView[string, string], materialize bool) ExecutionStatus[*mockOutput, *mockErr] {
		out := newMockOutput()
		delta := aggregator.Add(add, limit)
		if !materialize {
			out.aggDeltas[key] = delta
			return Success[*mockOutput, *mockErr](out)
		}
		cur, _, err := view.GetAggregatorV1(key)
		if err != nil {
			return Abort[*mockOutput](mockSpeculativeErr(err))
		}
		value, aerr := delta.ApplyTo(cur)
		if aerr != nil {
			return Abort[*mockOutput](mockValidErr(aerr.Error()))
		}
		out.aggWrites[key] = value
		return Success[*mockOutput, *mockErr](out)
	}
}
