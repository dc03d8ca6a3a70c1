// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/BoganyDamarien90/aptos-core/executor"
)

const (
	// GasPoolKey is the aggregator-v1 counter every transaction's gas
	// charge accumulates into. Updated with commutative deltas so that
	// unrelated transactions never conflict on it.
	GasPoolKey = "sys/gaspool"

	// ParamsKey is the resource group holding chain parameters.
	ParamsKey = "sys/params"

	// TransferFeeTag is the params-group tag with the flat transfer fee.
	TransferFeeTag = "transferFee"

	// SupplyID is the delayed field tracking the total minted supply.
	SupplyID = "sys/supply"

	// SnapshotLayout marks values and event payloads that embed a
	// delayed-field snapshot and need patching at commit.
	SnapshotLayout = "u64-snapshot"
)

// Gas charges per transaction kind, in gas units.
const (
	gasTransfer uint64 = 9
	gasMint     uint64 = 7
	gasPublish  uint64 = 12
	gasCutoff   uint64 = 1
)

var (
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrModuleExists      = errors.New("module already published")
	ErrBadAmount         = errors.New("amount is not a positive integer")
)

// TxnKind discriminates the transaction types of the demo chain.
type TxnKind uint8

const (
	// KindTransfer moves funds between two accounts, charging the flat fee
	// from the params group.
	KindTransfer TxnKind = iota
	// KindMint credits an account and bumps the delayed supply field.
	KindMint
	// KindPublish stores a module under a name, at most once.
	KindPublish
	// KindCutoff ends the block: every later transaction is skipped.
	KindCutoff
)

// Txn is one transaction of the demo chain.
type Txn struct {
	ID   ids.ID
	Kind TxnKind

	From   string
	To     string
	Amount uint64

	// Module payload for KindPublish.
	ModuleName string
	ModuleCode []byte
}

func (t *Txn) String() string {
	switch t.Kind {
	case KindTransfer:
		return fmt.Sprintf("transfer %d %s->%s", t.Amount, t.From, t.To)
	case KindMint:
		return fmt.Sprintf("mint %d ->%s", t.Amount, t.To)
	case KindPublish:
		return fmt.Sprintf("publish %s", t.ModuleName)
	case KindCutoff:
		return "cutoff"
	default:
		return "unknown"
	}
}

// Accesses returns the statically known key footprint, used as a scheduling
// hint only.
func (t *Txn) Accesses() executor.Accesses[string] {
	switch t.Kind {
	case KindTransfer:
		return executor.Accesses[string]{
			KeysRead:    []string{ParamsKey, AccountKey(t.From), AccountKey(t.To)},
			KeysWritten: []string{AccountKey(t.From), AccountKey(t.To)},
		}
	case KindMint:
		return executor.Accesses[string]{
			KeysRead:    []string{AccountKey(t.To)},
			KeysWritten: []string{AccountKey(t.To)},
		}
	case KindPublish:
		return executor.Accesses[string]{
			KeysRead:       []string{ModuleKey(t.ModuleName)},
			ModulesWritten: []string{ModuleKey(t.ModuleName)},
		}
	default:
		return executor.Accesses[string]{}
	}
}

// AccountKey returns the resource key of an account.
func AccountKey(name string) string { return "acct/" + name }

// ModuleKey returns the module key of a published module.
func ModuleKey(name string) string { return "module/" + name }

// TransferEvent is emitted by every successful transfer.
type TransferEvent struct {
	TxnID  ids.ID
	From   string
	To     string
	Amount uint64
}

// MintEvent is emitted by every mint. Supply embeds a snapshot of the
// delayed supply field as of this transaction; in parallel execution it is a
// placeholder until the commit position is final.
type MintEvent struct {
	TxnID  ids.ID
	To     string
	Amount uint64
	Supply uint64
}

// PatchDelayed fills the supply snapshot from the resolved delayed field.
func (e MintEvent) PatchDelayed(resolve executor.DelayedResolver[string]) interface{} {
	if value, ok := resolve(SupplyID); ok {
		e.Supply = value
	}
	return e
}

var _ executor.DelayedPatchable[string] = MintEvent{}

// TxnError is the chain's categorized execution error.
type TxnError struct {
	category executor.ErrorCategory
	err      error
}

func (e *TxnError) Error() string {
	return fmt.Sprintf("%s: %s", e.category, e.err)
}

func (e *TxnError) Category() executor.ErrorCategory { return e.category }

func (e *TxnError) Unwrap() error { return e.err }

var _ executor.CategorizedError = (*TxnError)(nil)

func validError(err error) *TxnError {
	return &TxnError{category: executor.ValidError, err: err}
}

func speculativeError(err error) *TxnError {
	return &TxnError{category: executor.SpeculativeExecutionAbortError, err: err}
}

func invariantError(err error) *TxnError {
	return &TxnError{category: executor.CodeInvariantError, err: err}
}
