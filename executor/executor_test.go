// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BoganyDamarien90/aptos-core/aggregator"
)

func TestEmptyBlock(t *testing.T) {
	assert := assert.New(t)

	for _, workers := range []int{1, 4} {
		res, err := mockExecutor(workers).Execute(nil, newMockBase())
		assert.NoError(err)
		assert.Empty(res.Results)
	}
}

func TestSequentialCounter(t *testing.T) {
	assert := assert.New(t)

	txns := make([]txnFunc, 10)
	for i := range txns {
		txns[i] = incrementTxn("counter")
	}

	res, err := mockExecutor(1).Execute(txns, newMockBase())
	assert.NoError(err)
	assert.Len(res.Results, 10)
	for i, r := range res.Results {
		assert.NoError(r.Err)
		assert.False(r.Skipped)
		assert.Equal(uint64(i+1), r.Output.resources["counter"].Value)
	}
}

// Every transaction reads and rewrites the same key, the worst case for
// speculation; the committed results must still match sequential execution.
func TestParallelCounterMatchesSequential(t *testing.T) {
	assert := assert.New(t)

	const blockSize = 50
	txns := make([]txnFunc, blockSize)
	for i := range txns {
		txns[i] = incrementTxn("counter")
	}

	seq, err := mockExecutor(1).Execute(txns, newMockBase())
	assert.NoError(err)

	// Repeat to exercise different interleavings.
	for round := 0; round < 10; round++ {
		par, err := mockExecutor(8).Execute(txns, newMockBase())
		assert.NoError(err)
		assert.Len(par.Results, blockSize)
		for i := range par.Results {
			assert.Equal(
				seq.Results[i].Output.resources["counter"].Value,
				par.Results[i].Output.resources["counter"].Value,
				"txn %d round %d", i, round,
			)
		}
	}
}

func TestAggregatorDeltasResolveInCommitOrder(t *testing.T) {
	assert := assert.New(t)

	const blockSize = 20
	base := newMockBase()
	base.aggregators["pool"] = 10

	txns := make([]txnFunc, blockSize)
	for i := range txns {
		txns[i] = deltaTxn("pool", 5, 1<<40)
	}

	for _, workers := range []int{1, 6} {
		res, err := mockExecutor(workers).Execute(txns, base)
		assert.NoError(err)
		for i, r := range res.Results {
			// Deltas are gone by commit; each output carries the absolute
			// value as of its own position.
			assert.Empty(r.Output.aggDeltas, "txn %d", i)
			assert.Equal(uint64(10+5*(i+1)), r.Output.aggWrites["pool"], "txn %d workers %d", i, workers)
		}
	}
}

func TestSkipRestVoidsSuffix(t *testing.T) {
	assert := assert.New(t)

	skipTxn := func(view StateView[string, string], _ bool) ExecutionStatus[*mockOutput, *mockErr] {
		out := newMockOutput()
		out.resources["cutoff"] = ValueWithLayout{Value: uint64(1)}
		return SkipRest[*mockOutput, *mockErr](out)
	}
	txns := []txnFunc{
		incrementTxn("counter"),
		skipTxn,
		incrementTxn("counter"),
		incrementTxn("counter"),
	}

	for _, workers := range []int{1, 4} {
		res, err := mockExecutor(workers).Execute(txns, newMockBase())
		assert.NoError(err)
		assert.Len(res.Results, 4)

		assert.Equal(uint64(1), res.Results[0].Output.resources["counter"].Value)
		assert.Equal(uint64(1), res.Results[1].Output.resources["cutoff"].Value)
		for i := 2; i < 4; i++ {
			assert.True(res.Results[i].Skipped, "txn %d workers %d", i, workers)
			assert.NoError(res.Results[i].Err)
			assert.Empty(res.Results[i].Output.resources)
		}
	}
}

func TestValidErrorIsRecordedAndIsolated(t *testing.T) {
	assert := assert.New(t)

	failTxn := func(view StateView[string, string], _ bool) ExecutionStatus[*mockOutput, *mockErr] {
		// Reads before failing, so validation still covers this txn.
		if _, _, err := view.GetResource("counter"); err != nil {
			return Abort[*mockOutput](mockSpeculativeErr(err))
		}
		return Abort[*mockOutput](mockValidErr("insufficient funds"))
	}
	txns := []txnFunc{
		failTxn,
		incrementTxn("counter"),
	}

	for _, workers := range []int{1, 4} {
		res, err := mockExecutor(workers).Execute(txns, newMockBase())
		assert.NoError(err)

		if assert.Error(res.Results[0].Err) {
			assert.Contains(res.Results[0].Err.Error(), "insufficient funds")
		}
		assert.False(res.Results[0].Skipped)
		assert.Empty(res.Results[0].Output.resources)

		// The failed transaction wrote nothing, so the next one starts from
		// the base value.
		assert.NoError(res.Results[1].Err)
		assert.Equal(uint64(1), res.Results[1].Output.resources["counter"].Value)
	}
}

func TestInvariantErrorHaltsBlock(t *testing.T) {
	assert := assert.New(t)

	badTxn := func(view StateView[string, string], _ bool) ExecutionStatus[*mockOutput, *mockErr] {
		return Abort[*mockOutput](mockInvariantErr("broken engine contract"))
	}
	txns := []txnFunc{incrementTxn("counter"), badTxn}

	for _, workers := range []int{1, 4} {
		res, err := mockExecutor(workers).Execute(txns, newMockBase())
		assert.ErrorIs(err, ErrBlockHalted)
		assert.Nil(res)
	}
}

// snapshotEvent embeds a delayed-field snapshot; Total is a placeholder
// until the commit position resolves it.
type snapshotEvent struct {
	Add   uint64
	Total uint64
}

func (e snapshotEvent) PatchDelayed(resolve DelayedResolver[string]) interface{} {
	if total, ok := resolve("supply"); ok {
		e.Total = total
	}
	return e
}

func TestDelayedFieldSnapshotsMatchSequential(t *testing.T) {
	assert := assert.New(t)

	const blockSize = 15
	base := newMockBase()
	base.delayed["supply"] = 100

	mintTxn := func(amount uint64) txnFunc {
		return func(view StateView[string, string], materialize bool) ExecutionStatus[*mockOutput, *mockErr] {
			out := newMockOutput()
			change := aggregator.ApplyDelayed(aggregator.Add(amount, 1<<40))
			out.delayed["supply"] = change

			ev := snapshotEvent{Add: amount}
			if materialize {
				cur, _, err := view.GetDelayedField("supply")
				if err != nil {
					return Abort[*mockOutput](mockSpeculativeErr(err))
				}
				total, aerr := change.Delta.ApplyTo(cur)
				if aerr != nil {
					return Abort[*mockOutput](mockValidErr(aerr.Error()))
				}
				ev.Total = total
			}
			out.events = append(out.events, Event{Data: ev, Layout: "u64-snapshot"})
			return Success[*mockOutput, *mockErr](out)
		}
	}

	txns := make([]txnFunc, blockSize)
	for i := range txns {
		txns[i] = mintTxn(uint64(i + 1))
	}

	seq, err := mockExecutor(1).Execute(txns, base)
	assert.NoError(err)

	par, err := mockExecutor(6).Execute(txns, base)
	assert.NoError(err)

	running := uint64(100)
	for i := 0; i < blockSize; i++ {
		running += uint64(i + 1)

		seqEv := seq.Results[i].Output.events[0].Data.(snapshotEvent)
		parEv := par.Results[i].Output.events[0].Data.(snapshotEvent)
		assert.Equal(running, seqEv.Total, "txn %d", i)
		assert.Equal(seqEv, parEv, "txn %d", i)
	}
}

// A transfer-shaped workload over a handful of keys, with reads of multiple
// keys per transaction, repeated to shake out scheduling races.
func TestScatteredTransfersMatchSequential(t *testing.T) {
	assert := assert.New(t)

	keys := []string{"a", "b", "c", "d"}
	transfer := func(from, to string) txnFunc {
		return func(view StateView[string, string], _ bool) ExecutionStatus[*mockOutput, *mockErr] {
			fromVal, _, err := view.GetResource(from)
			if err != nil {
				return Abort[*mockOutput](mockSpeculativeErr(err))
			}
			toVal, _, err := view.GetResource(to)
			if err != nil {
				return Abort[*mockOutput](mockSpeculativeErr(err))
			}
			fromBal, _ := fromVal.(uint64)
			toBal, _ := toVal.(uint64)
			if fromBal == 0 {
				return Abort[*mockOutput](mockValidErr("empty source"))
			}
			out := newMockOutput()
			out.resources[from] = ValueWithLayout{Value: fromBal - 1}
			out.resources[to] = ValueWithLayout{Value: toBal + 1}
			return Success[*mockOutput, *mockErr](out)
		}
	}

	base := newMockBase()
	base.resources["a"] = uint64(5)
	base.resources["b"] = uint64(5)

	var txns []txnFunc
	for i := 0; i < 40; i++ {
		txns = append(txns, transfer(keys[i%4], keys[(i+1)%4]))
	}

	seq, err := mockExecutor(1).Execute(txns, base)
	assert.NoError(err)

	for round := 0; round < 5; round++ {
		par, err := mockExecutor(8).Execute(txns, base)
		assert.NoError(err)
		for i := range txns {
			if seq.Results[i].Err != nil {
				if assert.Error(par.Results[i].Err, "txn %d", i) {
					assert.Contains(par.Results[i].Err.Error(), "empty source", "txn %d", i)
				}
				continue
			}
			assert.NoError(par.Results[i].Err, "txn %d", i)
			assert.Equal(seq.Results[i].Output.resources, par.Results[i].Output.resources, "txn %d", i)
		}
	}
}

// hintedTxn carries a declared write footprint alongside its body.
type hintedTxn struct {
	hints Accesses[string]
	run   txnFunc
}

func (h hintedTxn) Accesses() Accesses[string] { return h.hints }

type hintedTask struct{}

func newHintedTask(struct{}) ExecutorTask[hintedTxn, string, string, *mockOutput, *mockErr] {
	return &hintedTask{}
}

func (t *hintedTask) ExecuteTransaction(
	view StateView[string, string],
	txn hintedTxn,
	txnIdx TxnIndex,
	materializeDeltas bool,
) ExecutionStatus[*mockOutput, *mockErr] {
	return txn.run(view, materializeDeltas)
}

func (t *hintedTask) SkipOutput() *mockOutput { return newMockOutput() }

func TestDeclaredWriteHints(t *testing.T) {
	assert := assert.New(t)

	exec := NewBlockExecutor(Config[struct{}, hintedTxn, string, string, *mockOutput, *mockErr]{
		Concurrency: 4,
		NewTask:     newHintedTask,
		Log:         testLogger(),
	})
	seqExec := NewBlockExecutor(Config[struct{}, hintedTxn, string, string, *mockOutput, *mockErr]{
		Concurrency: 1,
		NewTask:     newHintedTask,
		Log:         testLogger(),
	})

	// Over-declared keys (never actually written) must not wedge the block,
	// and accurate hints must not change committed results.
	txns := []hintedTxn{
		{
			hints: Accesses[string]{KeysWritten: []string{"counter", "never-written"}},
			run:   incrementTxn("counter"),
		},
		{
			hints: Accesses[string]{KeysWritten: []string{"counter"}},
			run:   incrementTxn("counter"),
		},
		{
			// Under-declared: no hints at all.
			run: incrementTxn("counter"),
		},
	}

	seq, err := seqExec.Execute(txns, newMockBase())
	assert.NoError(err)

	for round := 0; round < 10; round++ {
		par, err := exec.Execute(txns, newMockBase())
		assert.NoError(err)
		for i := range txns {
			assert.Equal(
				seq.Results[i].Output.resources["counter"].Value,
				par.Results[i].Output.resources["counter"].Value,
				"txn %d round %d", i, round,
			)
		}
	}
}

func TestSequentialFallbackRecoversBlock(t *testing.T) {
	assert := assert.New(t)

	// Fails only on the speculative path; the in-order fallback succeeds.
	flaky := func(view StateView[string, string], materialize bool) ExecutionStatus[*mockOutput, *mockErr] {
		if !materialize {
			return Abort[*mockOutput](mockInvariantErr("parallel-only fault"))
		}
		out := newMockOutput()
		out.resources["k"] = ValueWithLayout{Value: uint64(1)}
		return Success[*mockOutput, *mockErr](out)
	}

	exec := NewBlockExecutor(Config[struct{}, txnFunc, string, string, *mockOutput, *mockErr]{
		Concurrency:        4,
		NewTask:            newMockTask,
		SequentialFallback: true,
		Log:                testLogger(),
	})

	res, err := exec.Execute([]txnFunc{flaky}, newMockBase())
	assert.NoError(err)
	assert.Equal(uint64(1), res.Results[0].Output.resources["k"].Value)

	// Without the fallback the fault surfaces.
	strict := mockExecutor(4)
	_, err = strict.Execute([]txnFunc{flaky}, newMockBase())
	assert.ErrorIs(err, ErrBlockHalted)
}

func TestSeedWriteHintsRoutesSpaces(t *testing.T) {
	assert := assert.New(t)

	// A mixed block: a transaction type without a declared footprint must
	// not stop seeding for the declaring transactions after it, and module
	// hints must land in the module space, not the resource space.
	txns := []any{
		incrementTxn("plain"),
		hintedTxn{hints: Accesses[string]{ModulesWritten: []string{"mod"}}},
		hintedTxn{hints: Accesses[string]{KeysWritten: []string{"res"}}},
	}
	r := &blockRun[struct{}, any, string, string, *mockOutput, *mockErr]{
		txns: txns,
		mv:   newMVState[string, string](len(txns)),
	}
	r.seedWriteHints()

	res := r.mv.modules.read("mod", 2)
	assert.Equal(readHitEstimate, res.status)
	assert.Equal(1, res.blocking)
	assert.Equal(readNone, r.mv.resources.read("mod", 2).status)

	res = r.mv.resources.read("res", 3)
	assert.Equal(readHitEstimate, res.status)
	assert.Equal(2, res.blocking)
}

func TestRetriedTransactionCommitsFinalExecutionOnly(t *testing.T) {
	assert := assert.New(t)

	// The writer is held back until the reader has read, forcing the
	// reader's first incarnation to observe the base value and be
	// invalidated once the write lands.
	started := make(chan struct{})
	var once sync.Once
	var readerExecs int32

	writer := func(view StateView[string, string], materialize bool) ExecutionStatus[*mockOutput, *mockErr] {
		if !materialize {
			<-started
		}
		out := newMockOutput()
		out.resources["k"] = ValueWithLayout{Value: uint64(7)}
		return Success[*mockOutput, *mockErr](out)
	}
	reader := func(view StateView[string, string], _ bool) ExecutionStatus[*mockOutput, *mockErr] {
		atomic.AddInt32(&readerExecs, 1)
		value, found, err := view.GetResource("k")
		once.Do(func() { close(started) })
		if err != nil {
			return Abort[*mockOutput](mockSpeculativeErr(err))
		}
		var base uint64
		if found {
			base = value.(uint64)
		}
		out := newMockOutput()
		out.resources["k"] = ValueWithLayout{Value: base + 1}
		return Success[*mockOutput, *mockErr](out)
	}

	res, err := mockExecutor(2).Execute([]txnFunc{writer, reader}, newMockBase())
	assert.NoError(err)

	// At least one internal retry happened, yet the committed outcome is
	// exactly the in-order result, with no trace of the stale execution.
	assert.True(atomic.LoadInt32(&readerExecs) >= 2, "reader executed %d times", readerExecs)
	assert.NoError(res.Results[1].Err)
	assert.Equal(uint64(8), res.Results[1].Output.resources["k"].Value)
	assert.Equal(uint64(7), res.Results[0].Output.resources["k"].Value)
}
