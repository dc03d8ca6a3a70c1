// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"github.com/BoganyDamarien90/aptos-core/state"
)

// Genesis describes the initial chain state a block executes on top of.
type Genesis struct {
	// Balances maps account names to initial balances.
	Balances map[string]uint64

	// TransferFee is the flat per-transfer fee charged on top of the amount.
	TransferFee uint64
}

// InitGenesis writes the genesis state: funded accounts, the params group,
// an empty gas pool aggregator and a zero supply delayed field.
func InitGenesis(st state.State, genesis Genesis) error {
	for name, balance := range genesis.Balances {
		acct := Account{Balance: decimalFromUint64(balance).String()}
		bytes, err := Codec.Marshal(CodecVersion, &acct)
		if err != nil {
			return err
		}
		if err := st.PutResource(AccountKey(name), bytes); err != nil {
			return err
		}
	}

	params := GroupParams{TransferFee: genesis.TransferFee}
	paramsBytes, err := Codec.Marshal(CodecVersion, &params)
	if err != nil {
		return err
	}
	if err := st.PutResource(ParamsKey, paramsBytes); err != nil {
		return err
	}

	if err := st.PutAggregator(GasPoolKey, 0); err != nil {
		return err
	}
	if err := st.PutDelayed(SupplyID, 0); err != nil {
		return err
	}

	return st.Commit()
}
