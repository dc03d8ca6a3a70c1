// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

// TxnIndex is a transaction's position in the block's intended serial order.
// It is the ground truth for what a correct sequential execution would have
// observed: the engine may run transactions in any physical order, but the
// committed results must match ascending-index execution exactly.
type TxnIndex = int

// Incarnation counts how many times a transaction has been (re-)executed
// after conflicts invalidated earlier attempts.
type Incarnation = int

// Version identifies one incarnation of one transaction.
type Version struct {
	Index       TxnIndex
	Incarnation Incarnation
}

// ErrorCategory tells the scheduler how to react to an execution abort.
type ErrorCategory uint8

const (
	// CodeInvariantError signals the engine's own invariants are broken.
	// Always fatal: the whole block run halts and the error escalates.
	CodeInvariantError ErrorCategory = iota

	// SpeculativeExecutionAbortError is expected under optimistic
	// concurrency, e.g. a read observed a value that a lower-indexed
	// re-execution will overwrite. Consumed entirely by the retry loop and
	// never visible to the caller.
	SpeculativeExecutionAbortError

	// ValidError is a legitimate transaction-level failure. Recorded as the
	// transaction's definitive result and never retried.
	ValidError
)

func (c ErrorCategory) String() string {
	switch c {
	case CodeInvariantError:
		return "code invariant error"
	case SpeculativeExecutionAbortError:
		return "speculative execution abort"
	case ValidError:
		return "valid error"
	default:
		return "unknown error category"
	}
}

// CategorizedError is an execution abort carrying its category. Category must
// be a pure function of the error value.
type CategorizedError interface {
	error
	Category() ErrorCategory
}

type statusKind uint8

const (
	statusSuccess statusKind = iota
	statusSkipRest
	statusAbort
)

// ExecutionStatus is the tagged result of running one transaction: Success
// with an output, SkipRest with an output (all higher-indexed transactions
// must be voided), or Abort with a categorized error.
type ExecutionStatus[O any, E CategorizedError] struct {
	kind   statusKind
	output O
	err    E
}

// Success wraps a normally produced output.
func Success[O any, E CategorizedError](output O) ExecutionStatus[O, E] {
	return ExecutionStatus[O, E]{kind: statusSuccess, output: output}
}

// SkipRest wraps an output that additionally signals that every
// higher-indexed transaction in the block must be skipped.
func SkipRest[O any, E CategorizedError](output O) ExecutionStatus[O, E] {
	return ExecutionStatus[O, E]{kind: statusSkipRest, output: output}
}

// Abort wraps an unrecoverable execution error.
func Abort[O any, E CategorizedError](err E) ExecutionStatus[O, E] {
	return ExecutionStatus[O, E]{kind: statusAbort, err: err}
}

// IsSuccess reports whether the transaction produced an output, including the
// SkipRest case.
func (s ExecutionStatus[O, E]) IsSuccess() bool { return s.kind != statusAbort }

// IsSkipRest reports whether the output carries the skip-rest signal.
func (s ExecutionStatus[O, E]) IsSkipRest() bool { return s.kind == statusSkipRest }

// Output returns the produced output; only meaningful when IsSuccess.
func (s ExecutionStatus[O, E]) Output() O { return s.output }

// Err returns the abort error; only meaningful when !IsSuccess.
func (s ExecutionStatus[O, E]) Err() E { return s.err }

// Accesses is a statically inferred read/write footprint of a transaction,
// keys only. A prioritization hint: correctness never depends on it, conflict
// detection always runs against the footprint observed during execution.
type Accesses[K comparable] struct {
	KeysRead    []K
	KeysWritten []K

	// ModulesWritten lists module-space keys separately from resource keys;
	// the two spaces never conflict with each other.
	ModulesWritten []K
}

// KeyHinter is implemented by transaction types that can declare a static
// key footprint ahead of execution. The parallel driver pre-marks declared
// writes as estimates so dependent transactions park instead of executing
// against values about to change. Over- or under-declaring is safe.
type KeyHinter[K comparable] interface {
	Accesses() Accesses[K]
}

// ExecutorTask runs one transaction at a time against a speculative state
// view. One task is constructed per worker from a shared argument, then
// invoked repeatedly, possibly for the same index with different views after
// a conflict.
//
// ExecuteTransaction must be a pure function of (view, txn, txnIdx,
// materializeDeltas): no state may be retained between calls beyond what the
// constructor established, and no effect may escape except through the
// returned output, so that discarding a conflicting execution leaves no
// trace. A read that fails with ErrDependency must surface as an Abort with
// SpeculativeExecutionAbortError, never as a user-visible failure.
//
// [materializeDeltas] requests eager resolution of aggregator deltas during
// execution (sequential mode); when false the output carries unresolved
// deltas that the engine folds in at commit.
type ExecutorTask[T any, K comparable, I comparable, O TransactionOutput[K, I], E CategorizedError] interface {
	ExecuteTransaction(view StateView[K, I], txn T, txnIdx TxnIndex, materializeDeltas bool) ExecutionStatus[O, E]

	// SkipOutput returns the canonical empty output used for transactions
	// voided by an earlier SkipRest: empty write and event sets and a zero
	// fee statement, so downstream accounting never special-cases it.
	SkipOutput() O
}

// TaskFactory builds one ExecutorTask per worker from a shared,
// thread-shareable argument.
type TaskFactory[A any, T any, K comparable, I comparable, O TransactionOutput[K, I], E CategorizedError] func(arg A) ExecutorTask[T, K, I, O, E]
