// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/BoganyDamarien90/aptos-core/aggregator"
	"github.com/BoganyDamarien90/aptos-core/executor"
)

// Argument configures the per-worker executor tasks. A plain value: every
// worker receives its own copy.
type Argument struct {
	// MaxSupply bounds the delayed total-supply field.
	MaxSupply uint64
	// GasPoolLimit bounds the block gas pool aggregator.
	GasPoolLimit uint64
}

// DefaultArgument is a permissive configuration for tests and tools.
func DefaultArgument() Argument {
	return Argument{
		MaxSupply:    1 << 62,
		GasPoolLimit: 1 << 62,
	}
}

// Task executes demo-chain transactions against a state view. Stateless
// beyond its argument, so a single transaction can be re-executed any number
// of times with different views.
type Task struct {
	arg Argument
}

var _ executor.ExecutorTask[*Txn, string, string, *Output, *TxnError] = (*Task)(nil)

// NewTask is the executor.TaskFactory for the demo chain.
func NewTask(arg Argument) executor.ExecutorTask[*Txn, string, string, *Output, *TxnError] {
	return &Task{arg: arg}
}

func (t *Task) SkipOutput() *Output { return skipOutput() }

func (t *Task) ExecuteTransaction(
	view executor.StateView[string, string],
	txn *Txn,
	txnIdx executor.TxnIndex,
	materializeDeltas bool,
) executor.ExecutionStatus[*Output, *TxnError] {
	switch txn.Kind {
	case KindTransfer:
		return t.executeTransfer(view, txn, materializeDeltas)
	case KindMint:
		return t.executeMint(view, txn, materializeDeltas)
	case KindPublish:
		return t.executePublish(view, txn, materializeDeltas)
	case KindCutoff:
		return t.executeCutoff(view, materializeDeltas)
	default:
		return abort(invariantError(fmt.Errorf("unknown transaction kind %d at txn %d", txn.Kind, txnIdx)))
	}
}

func (t *Task) executeTransfer(view executor.StateView[string, string], txn *Txn, materialize bool) executor.ExecutionStatus[*Output, *TxnError] {
	if txn.Amount == 0 {
		return abort(validError(ErrBadAmount))
	}

	feeUnits, terr := t.transferFee(view)
	if terr != nil {
		return abort(terr)
	}

	from, found, terr := readAccount(view, txn.From)
	if terr != nil {
		return abort(terr)
	}
	if !found {
		return abort(validError(fmt.Errorf("%w: %s", ErrUnknownAccount, txn.From)))
	}
	fromBal, err := from.balance()
	if err != nil {
		return abort(invariantError(err))
	}

	amount := decimalFromUint64(txn.Amount)
	need := amount.Add(decimalFromUint64(feeUnits))
	if fromBal.Cmp(need) < 0 {
		return abort(validError(fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientFunds, txn.From, fromBal, need)))
	}

	out := newOutput()
	newFrom := fromBal.Sub(need)
	if txn.To == txn.From {
		newFrom = newFrom.Add(amount)
		out.resources[AccountKey(txn.From)] = executor.ValueWithLayout{Value: Account{Balance: newFrom.String()}}
	} else {
		to, foundTo, terr := readAccount(view, txn.To)
		if terr != nil {
			return abort(terr)
		}
		toBal := decimal.Zero
		if foundTo {
			if toBal, err = to.balance(); err != nil {
				return abort(invariantError(err))
			}
		}
		out.resources[AccountKey(txn.From)] = executor.ValueWithLayout{Value: Account{Balance: newFrom.String()}}
		out.resources[AccountKey(txn.To)] = executor.ValueWithLayout{Value: Account{Balance: toBal.Add(amount).String()}}
	}

	if terr := t.chargeGas(out, view, gasTransfer, materialize); terr != nil {
		return abort(terr)
	}
	out.events = append(out.events, executor.Event{
		Data: TransferEvent{TxnID: txn.ID, From: txn.From, To: txn.To, Amount: txn.Amount},
	})
	out.fee = feeStatement(gasTransfer, feeUnits)
	return success(out)
}

func (t *Task) executeMint(view executor.StateView[string, string], txn *Txn, materialize bool) executor.ExecutionStatus[*Output, *TxnError] {
	if txn.Amount == 0 {
		return abort(validError(ErrBadAmount))
	}

	to, found, terr := readAccount(view, txn.To)
	if terr != nil {
		return abort(terr)
	}
	if !found {
		to = ZeroAccount()
	}
	toBal, err := to.balance()
	if err != nil {
		return abort(invariantError(err))
	}

	out := newOutput()
	out.resources[AccountKey(txn.To)] = executor.ValueWithLayout{
		Value: Account{Balance: toBal.Add(decimalFromUint64(txn.Amount)).String()},
	}

	change := aggregator.ApplyDelayed(aggregator.Add(txn.Amount, t.arg.MaxSupply))
	out.delayed[SupplyID] = change

	event := MintEvent{TxnID: txn.ID, To: txn.To, Amount: txn.Amount}
	if materialize {
		cur, foundSupply, err := view.GetDelayedField(SupplyID)
		if err != nil {
			return abort(classifyReadErr(err))
		}
		if !foundSupply {
			return abort(invariantError(errors.New("supply field missing from genesis state")))
		}
		supply, err := change.Delta.ApplyTo(cur)
		if err != nil {
			return abort(validError(err))
		}
		event.Supply = supply
	}
	out.events = append(out.events, executor.Event{Data: event, Layout: SnapshotLayout})

	if terr := t.chargeGas(out, view, gasMint, materialize); terr != nil {
		return abort(terr)
	}
	out.fee = feeStatement(gasMint, 0)
	return success(out)
}

func (t *Task) executePublish(view executor.StateView[string, string], txn *Txn, materialize bool) executor.ExecutionStatus[*Output, *TxnError] {
	key := ModuleKey(txn.ModuleName)
	_, found, err := view.GetModule(key)
	if err != nil {
		return abort(classifyReadErr(err))
	}
	if found {
		return abort(validError(fmt.Errorf("%w: %s", ErrModuleExists, txn.ModuleName)))
	}

	out := newOutput()
	code := make([]byte, len(txn.ModuleCode))
	copy(code, txn.ModuleCode)
	out.modules[key] = code

	if terr := t.chargeGas(out, view, gasPublish, materialize); terr != nil {
		return abort(terr)
	}
	out.fee = feeStatement(gasPublish, 0)
	return success(out)
}

func (t *Task) executeCutoff(view executor.StateView[string, string], materialize bool) executor.ExecutionStatus[*Output, *TxnError] {
	out := newOutput()
	if terr := t.chargeGas(out, view, gasCutoff, materialize); terr != nil {
		return abort(terr)
	}
	out.fee = feeStatement(gasCutoff, 0)
	return skipRest(out)
}

// chargeGas accumulates the gas charge into the block gas pool: a delta in
// parallel mode, an absolute write resolved inline when materializing.
func (t *Task) chargeGas(out *Output, view executor.StateView[string, string], gas uint64, materialize bool) *TxnError {
	delta := aggregator.Add(gas, t.arg.GasPoolLimit)
	if !materialize {
		if prev, ok := out.aggDeltas[GasPoolKey]; ok {
			merged, err := prev.MergeWith(delta)
			if err != nil {
				return validError(err)
			}
			delta = merged
		}
		out.aggDeltas[GasPoolKey] = delta
		return nil
	}

	cur, found, err := view.GetAggregatorV1(GasPoolKey)
	if err != nil {
		return classifyReadErr(err)
	}
	if !found {
		return invariantError(errors.New("gas pool missing from genesis state"))
	}
	value, err := delta.ApplyTo(cur)
	if err != nil {
		return validError(err)
	}
	out.aggWrites[GasPoolKey] = value
	return nil
}

// transferFee reads the flat transfer fee from the params resource group.
func (t *Task) transferFee(view executor.StateView[string, string]) (uint64, *TxnError) {
	sub, found, err := view.GetFromGroup(ParamsKey, TransferFeeTag)
	if err != nil {
		return 0, classifyReadErr(err)
	}
	if !found {
		return 0, invariantError(errors.New("chain params missing from genesis state"))
	}
	fee, ok := sub.(uint64)
	if !ok {
		return 0, invariantError(fmt.Errorf("transfer fee tag has unexpected type %T", sub))
	}
	return fee, nil
}

func readAccount(view executor.StateView[string, string], name string) (Account, bool, *TxnError) {
	value, found, err := view.GetResource(AccountKey(name))
	if err != nil {
		return Account{}, false, classifyReadErr(err)
	}
	if !found {
		return Account{}, false, nil
	}
	acct, ok := value.(Account)
	if !ok {
		return Account{}, false, invariantError(fmt.Errorf("account value has unexpected type %T", value))
	}
	return acct, true, nil
}

// classifyReadErr maps view read failures to categories: a dependency hit is
// speculative and must be retried; anything else is an engine fault.
func classifyReadErr(err error) *TxnError {
	if errors.Is(err, executor.ErrDependency) {
		return speculativeError(err)
	}
	return invariantError(err)
}

func feeStatement(gas, storageFee uint64) executor.FeeStatement {
	return executor.FeeStatement{
		TotalGasUnits:     gas,
		ExecutionGasUnits: gas - 1,
		IOGasUnits:        1,
		StorageFee:        storageFee,
	}
}

func success(out *Output) executor.ExecutionStatus[*Output, *TxnError] {
	return executor.Success[*Output, *TxnError](out)
}

func skipRest(out *Output) executor.ExecutionStatus[*Output, *TxnError] {
	return executor.SkipRest[*Output, *TxnError](out)
}

func abort(err *TxnError) executor.ExecutionStatus[*Output, *TxnError] {
	return executor.Abort[*Output](err)
}
