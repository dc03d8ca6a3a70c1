// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/inconshreveable/log15"
)

var (
	// ErrBlockHalted wraps a CodeInvariantError that stopped the whole run.
	ErrBlockHalted = errors.New("block execution halted on an engine invariant violation")

	errNoExecutionResult   = errors.New("executed transaction has no recorded result")
	errSpeculativeAtCommit = errors.New("speculative abort while re-executing against a committed prefix")
	errSequentialDeltas    = errors.New("sequential execution produced unmaterialized deltas")
)

// Config assembles a block executor. Argument is a thread-shareable value
// copied into every worker's task constructor.
type Config[A any, T any, K comparable, I comparable, O TransactionOutput[K, I], E CategorizedError] struct {
	// Concurrency is the worker pool size; values below 2 select the
	// sequential path.
	Concurrency int

	Argument A
	NewTask  TaskFactory[A, T, K, I, O, E]

	// SequentialFallback retries the whole block in order when the parallel
	// run halts on an engine fault, trading throughput for an answer.
	SequentialFallback bool

	Log log.Logger
}

// TxnResult is one transaction's final, user-visible outcome.
type TxnResult[O any] struct {
	Output O

	// Err is set iff the transaction aborted with a ValidError; it is the
	// verbatim error the transaction produced, regardless of how many
	// internal retries occurred.
	Err error

	// Skipped marks transactions voided by an earlier SkipRest.
	Skipped bool
}

// BlockResult is the committed outcome of a whole block, in index order.
type BlockResult[O any] struct {
	Results []TxnResult[O]
}

// BlockExecutor runs blocks of transactions, speculatively in parallel or
// strictly in order, with identical committed results either way.
type BlockExecutor[A any, T any, K comparable, I comparable, O TransactionOutput[K, I], E CategorizedError] struct {
	cfg Config[A, T, K, I, O, E]
	log log.Logger
}

func NewBlockExecutor[A any, T any, K comparable, I comparable, O TransactionOutput[K, I], E CategorizedError](
	cfg Config[A, T, K, I, O, E],
) *BlockExecutor[A, T, K, I, O, E] {
	logger := cfg.Log
	if logger == nil {
		logger = log.Root()
	}
	return &BlockExecutor[A, T, K, I, O, E]{cfg: cfg, log: logger}
}

// Execute runs [txns] against [base] and returns the committed per-
// transaction results in index order. The committed results are identical to
// ExecuteSequential's for the same inputs.
func (e *BlockExecutor[A, T, K, I, O, E]) Execute(txns []T, base BaseView[K, I]) (*BlockResult[O], error) {
	if e.cfg.Concurrency < 2 {
		return e.ExecuteSequential(txns, base)
	}

	r := &blockRun[A, T, K, I, O, E]{
		exec:        e,
		txns:        txns,
		base:        base,
		mv:          newMVState[K, I](len(txns)),
		scheduler:   newScheduler(len(txns)),
		results:     make([]atomic.Pointer[txnResult[O]], len(txns)),
		commAgg:     make(map[K]uint64),
		commDelayed: make(map[I]uint64),
		skipAfter:   -1,
	}
	r.seedWriteHints()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(e.cfg.NewTask(e.cfg.Argument))
		}()
	}
	wg.Wait()

	if err := r.fatalErr(); err != nil {
		if e.cfg.SequentialFallback {
			e.log.Warn("parallel execution halted, falling back to sequential", "err", err)
			return e.ExecuteSequential(txns, base)
		}
		return nil, fmt.Errorf("%w: %s", ErrBlockHalted, err)
	}
	return r.assemble(e.cfg.NewTask(e.cfg.Argument))
}

// seedWriteHints pre-marks declared write keys as estimates, treating each
// hint set as the write footprint of a phantom zeroth incarnation. The first
// real execution's record pass clears whatever was over-declared.
func (r *blockRun[A, T, K, I, O, E]) seedWriteHints() {
	for i, txn := range r.txns {
		var t any = txn
		h, ok := t.(KeyHinter[K])
		if !ok {
			continue
		}
		acc := h.Accesses()
		if len(acc.KeysWritten)+len(acc.ModulesWritten) == 0 {
			continue
		}
		for _, key := range acc.KeysWritten {
			r.mv.resources.write(key, Version{Index: i}, &entry{estimate: true})
		}
		for _, key := range acc.ModulesWritten {
			r.mv.modules.write(key, Version{Index: i}, &entry{estimate: true})
		}
		r.mv.lastWrites[i].Store(&writtenKeys[K, I]{
			resources: acc.KeysWritten,
			modules:   acc.ModulesWritten,
		})
	}
}

type resultKind uint8

const (
	resultSuccess resultKind = iota
	resultSkipRest
	resultFailed
)

// txnResult is an execution's provisional outcome, replaced on every
// re-execution and read once the owning index commits.
type txnResult[O any] struct {
	kind   resultKind
	output O
	err    error
}

// blockRun is the mutable state of one parallel block execution.
type blockRun[A any, T any, K comparable, I comparable, O TransactionOutput[K, I], E CategorizedError] struct {
	exec *BlockExecutor[A, T, K, I, O, E]
	txns []T
	base BaseView[K, I]

	mv        *mvState[K, I]
	scheduler *scheduler
	results   []atomic.Pointer[txnResult[O]]

	// Committed aggregator and delayed-field values, maintained strictly in
	// commit order under commitLock; the ordered history prior deltas
	// resolve against.
	commitLock  sync.Mutex
	commAgg     map[K]uint64
	commDelayed map[I]uint64

	skipAfter int32 // set under commitLock before halting; -1 when unset
	fatal     atomic.Pointer[error]
}

func (r *blockRun[A, T, K, I, O, E]) workerLoop(et ExecutorTask[T, K, I, O, E]) {
	var t *task
	for !r.scheduler.isDone() {
		r.tryCommitPrefix(et)
		if t != nil {
			switch t.kind {
			case taskExecute:
				t = r.tryExecute(et, t.version)
			case taskValidate:
				t = r.tryValidate(t.version)
			}
			continue
		}
		if t = r.scheduler.nextTask(); t == nil {
			runtime.Gosched()
		}
	}
}

func (r *blockRun[A, T, K, I, O, E]) tryExecute(et ExecutorTask[T, K, I, O, E], version Version) *task {
	idx := version.Index
	view := newLatestView(r.mv, r.base, idx)
	status := et.ExecuteTransaction(view, r.txns[idx], idx, false)

	if status.IsSuccess() {
		out := status.Output()
		wroteNew := r.mv.record(version, view.reads, summarizeOutput[K, I](out))
		kind := resultSuccess
		if status.IsSkipRest() {
			kind = resultSkipRest
		}
		r.results[idx].Store(&txnResult[O]{kind: kind, output: out})
		return r.scheduler.finishExecution(version, wroteNew)
	}

	err := status.Err()
	switch err.Category() {
	case SpeculativeExecutionAbortError:
		if view.blocking >= 0 && view.blocking < idx {
			if r.scheduler.addDependency(idx, view.blocking) {
				// Parked until the blocking index finishes executing.
				return nil
			}
		}
		// Dependency already resolved; run the same incarnation again.
		return &task{kind: taskExecute, version: version}
	case ValidError:
		// The transaction's definitive failure: no writes, but the reads
		// still validate so a stale-read-induced failure gets retried.
		r.mv.record(version, view.reads, writeSummary[K, I]{})
		r.results[idx].Store(&txnResult[O]{kind: resultFailed, output: et.SkipOutput(), err: err})
		return r.scheduler.finishExecution(version, false)
	default:
		r.halt(err)
		return nil
	}
}

func (r *blockRun[A, T, K, I, O, E]) tryValidate(version Version) *task {
	valid := r.mv.validateReadSet(version.Index, r.base)
	aborted := !valid && r.scheduler.tryValidationAbort(version)
	if aborted {
		r.exec.log.Debug("validation aborted transaction", "txn", version.Index, "incarnation", version.Incarnation)
		r.mv.convertWritesToEstimates(version.Index)
	}
	return r.scheduler.finishValidation(version.Index, aborted)
}

// tryCommitPrefix advances the committed prefix as far as it can. Commits
// run under a single lock so delta resolution sees a stable, ordered history
// of all prior committed values.
func (r *blockRun[A, T, K, I, O, E]) tryCommitPrefix(et ExecutorTask[T, K, I, O, E]) {
	if !r.commitLock.TryLock() {
		return
	}
	defer r.commitLock.Unlock()

	for r.fatal.Load() == nil {
		idx, ready := r.scheduler.nextToCommit()
		if !ready {
			return
		}

		// Definitive validation: every lower index is committed, so a pass
		// here can never be invalidated later.
		if !r.mv.validateReadSet(idx, r.base) {
			if !r.commitReexecute(et, idx) {
				// A sweep validator aborted this incarnation first; a
				// worker re-executes it and a later pass commits it.
				return
			}
			continue
		}

		res := r.results[idx].Load()
		if res == nil {
			r.halt(fmt.Errorf("%w: txn %d", errNoExecutionResult, idx))
			return
		}
		if !r.scheduler.claimCommit(idx) {
			// A concurrent validation abort won; the transaction will
			// re-execute and a later pass commits it.
			return
		}

		if res.kind != resultFailed {
			if err := r.materialize(idx, res.output); err != nil {
				r.halt(err)
				return
			}
		}
		r.scheduler.advanceCommit()

		if res.kind == resultSkipRest {
			r.exec.log.Info("skipping rest of block", "after", idx)
			atomic.StoreInt32(&r.skipAfter, int32(idx))
			r.scheduler.haltAfter(idx)
			return
		}
	}
}

// commitReexecute reruns a transaction whose speculative execution turned
// out stale at its final position. It reads only committed values, so the
// result is definitive. Returns false when a concurrent validation abort
// already owns the index and the commit pass should back off.
func (r *blockRun[A, T, K, I, O, E]) commitReexecute(et ExecutorTask[T, K, I, O, E], idx TxnIndex) bool {
	version, claimed := r.scheduler.startCommitReexecution(idx)
	if !claimed {
		return false
	}
	r.exec.log.Debug("re-executing transaction at commit", "txn", idx)
	r.mv.convertWritesToEstimates(idx)

	view := newLatestView(r.mv, r.base, idx)
	status := et.ExecuteTransaction(view, r.txns[idx], idx, false)

	switch {
	case status.IsSuccess():
		out := status.Output()
		kind := resultSuccess
		if status.IsSkipRest() {
			kind = resultSkipRest
		}
		r.mv.record(version, view.reads, summarizeOutput[K, I](out))
		r.results[idx].Store(&txnResult[O]{kind: kind, output: out})
	default:
		err := status.Err()
		switch err.Category() {
		case ValidError:
			r.mv.record(version, view.reads, writeSummary[K, I]{})
			r.results[idx].Store(&txnResult[O]{kind: resultFailed, output: et.SkipOutput(), err: err})
		case SpeculativeExecutionAbortError:
			// All lower indices are committed; nothing can block us here.
			r.halt(fmt.Errorf("%w: txn %d", errSpeculativeAtCommit, idx))
			return true
		default:
			r.halt(err)
			return true
		}
	}
	r.scheduler.finishCommitReexecution(idx)
	return true
}

// materialize resolves the output's deferred numeric state against the
// committed history and folds the results back into the output. Runs under
// commitLock with every lower index committed.
func (r *blockRun[A, T, K, I, O, E]) materialize(idx TxnIndex, out O) error {
	// Aggregator v1 deltas resolve against the committed values.
	var deltaWrites []DeltaWrite[K]
	for key, delta := range out.AggregatorV1DeltaSet() {
		base, found, err := r.committedAggregator(key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("txn %d: delta for aggregator missing from committed state", idx)
		}
		value, err := delta.ApplyTo(base)
		if err != nil {
			return fmt.Errorf("txn %d: resolving aggregator delta: %w", idx, err)
		}
		deltaWrites = append(deltaWrites, DeltaWrite[K]{Key: key, Value: value})
	}
	for key, value := range out.AggregatorV1WriteSet() {
		r.commAgg[key] = value
	}
	for _, w := range deltaWrites {
		r.commAgg[w.Key] = w.Value
	}

	// Delayed fields fold in commit order.
	for id, change := range out.DelayedFieldChangeSet() {
		cur, exists, err := r.committedDelayed(id)
		if err != nil {
			return err
		}
		value, err := change.ApplyTo(cur, exists)
		if err != nil {
			return fmt.Errorf("txn %d: resolving delayed field change: %w", idx, err)
		}
		r.commDelayed[id] = value
	}

	// Patch values and events that embedded delayed-field snapshots; the
	// resolver sees the state including this transaction's own changes.
	resolve := func(id I) (uint64, bool) {
		value, exists, err := r.committedDelayed(id)
		if err != nil {
			return 0, false
		}
		return value, exists
	}

	patchedResources := make(map[K]interface{})
	for key, vl := range out.ResourceWriteSet() {
		if vl.Layout == nil {
			continue
		}
		if p, ok := vl.Value.(DelayedPatchable[I]); ok {
			patchedResources[key] = p.PatchDelayed(resolve)
		}
	}
	patchedEvents := make([]interface{}, 0, len(out.Events()))
	for _, ev := range out.Events() {
		if ev.Layout != nil {
			if p, ok := ev.Data.(DelayedPatchable[I]); ok {
				patchedEvents = append(patchedEvents, p.PatchDelayed(resolve))
				continue
			}
		}
		patchedEvents = append(patchedEvents, ev.Data)
	}

	out.IncorporateDeltaWrites(deltaWrites)
	out.IncorporateMaterializedOutput(nil, patchedResources, patchedEvents)
	return nil
}

func (r *blockRun[A, T, K, I, O, E]) committedAggregator(key K) (uint64, bool, error) {
	if value, ok := r.commAgg[key]; ok {
		return value, true, nil
	}
	return r.base.BaseAggregatorV1(key)
}

func (r *blockRun[A, T, K, I, O, E]) committedDelayed(id I) (uint64, bool, error) {
	if value, ok := r.commDelayed[id]; ok {
		return value, true, nil
	}
	return r.base.BaseDelayedField(id)
}

func (r *blockRun[A, T, K, I, O, E]) halt(err error) {
	e := err
	if r.fatal.CompareAndSwap(nil, &e) {
		r.exec.log.Error("halting block execution", "err", err)
	}
	r.scheduler.haltAll()
}

func (r *blockRun[A, T, K, I, O, E]) fatalErr() error {
	if p := r.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// assemble builds the final, index-ordered result list.
func (r *blockRun[A, T, K, I, O, E]) assemble(et ExecutorTask[T, K, I, O, E]) (*BlockResult[O], error) {
	skipAfter := atomic.LoadInt32(&r.skipAfter)
	results := make([]TxnResult[O], len(r.txns))
	for i := range r.txns {
		if skipAfter >= 0 && int32(i) > skipAfter {
			results[i] = TxnResult[O]{Output: et.SkipOutput(), Skipped: true}
			continue
		}
		res := r.results[i].Load()
		if res == nil {
			return nil, fmt.Errorf("%w: txn %d", errNoExecutionResult, i)
		}
		results[i] = TxnResult[O]{Output: res.output, Err: res.err}
	}
	return &BlockResult[O]{Results: results}, nil
}

// summarizeOutput extracts the multi-version write footprint from an output.
func summarizeOutput[K comparable, I comparable](out TransactionOutput[K, I]) writeSummary[K, I] {
	return writeSummary[K, I]{
		resources: out.ResourceWriteSet(),
		modules:   out.ModuleWriteSet(),
		aggWrites: out.AggregatorV1WriteSet(),
		aggDeltas: out.AggregatorV1DeltaSet(),
		delayed:   out.DelayedFieldChangeSet(),
	}
}
