// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Account is the resource value stored under an account key. The balance is
// a decimal string so downstream consumers are not tied to a fixed unit
// scale.
type Account struct {
	Balance string `serialize:"true"`
}

// ZeroAccount is the value of an account that has never been credited.
func ZeroAccount() Account {
	return Account{Balance: "0"}
}

// GroupParams is the chain parameter resource group. Stored as one resource
// value; readers address individual parameters by tag through the view's
// group read.
type GroupParams struct {
	TransferFee uint64 `serialize:"true"`
}

// TagMap renders the group in the tag-addressable shape views expect.
func (p GroupParams) TagMap() map[string]interface{} {
	return map[string]interface{}{
		TransferFeeTag: p.TransferFee,
	}
}

// GroupParamsFromTagMap is the inverse of TagMap.
func GroupParamsFromTagMap(tags map[string]interface{}) (GroupParams, error) {
	fee, ok := tags[TransferFeeTag].(uint64)
	if !ok {
		return GroupParams{}, fmt.Errorf("params group: missing or malformed %q tag", TransferFeeTag)
	}
	return GroupParams{TransferFee: fee}, nil
}

func (a Account) balance() (decimal.Decimal, error) {
	bal, err := decimal.NewFromString(a.Balance)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("account balance %q: %w", a.Balance, err)
	}
	return bal, nil
}

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
