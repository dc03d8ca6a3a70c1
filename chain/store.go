// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/avalanchego/database"

	"github.com/BoganyDamarien90/aptos-core/executor"
	"github.com/BoganyDamarien90/aptos-core/state"
)

var (
	errResourceWrongVersion = errors.New("resource encoded with wrong codec version")
	errBadResourceValue     = errors.New("resource write has unexpected value type")
	errBadModuleValue       = errors.New("module write has unexpected value type")
)

// StoreView adapts persisted chain state to the executor's pre-block storage
// snapshot. It decodes raw bytes into the in-memory values transactions work
// with: Account structs for account keys, a tag map for the params group and
// raw code bytes for modules.
type StoreView struct {
	state state.State
}

var _ executor.BaseView[string, string] = (*StoreView)(nil)

func NewStoreView(st state.State) *StoreView {
	return &StoreView{state: st}
}

func (v *StoreView) BaseResource(key string) (interface{}, bool, error) {
	bytes, err := v.state.GetResource(key)
	if err == database.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if key == ParamsKey {
		params := GroupParams{}
		if err := unmarshalResource(bytes, &params); err != nil {
			return nil, false, err
		}
		return params.TagMap(), true, nil
	}

	acct := Account{}
	if err := unmarshalResource(bytes, &acct); err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

func (v *StoreView) BaseModule(key string) (interface{}, bool, error) {
	code, err := v.state.GetModule(key)
	if err == database.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return code, true, nil
}

func (v *StoreView) BaseAggregatorV1(key string) (uint64, bool, error) {
	value, err := v.state.GetAggregator(key)
	if err == database.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (v *StoreView) BaseDelayedField(id string) (uint64, bool, error) {
	value, err := v.state.GetDelayed(id)
	if err == database.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func unmarshalResource(bytes []byte, value interface{}) error {
	version, err := Codec.Unmarshal(bytes, value)
	if err != nil {
		return err
	}
	if version != CodecVersion {
		return errResourceWrongVersion
	}
	return nil
}

// ApplyBlock folds a block's committed outputs into persisted state, in
// transaction order. Delayed-field change sets are resolved against the
// running persisted value; by commit time materialization has already proven
// they apply cleanly, so a failure here is a storage fault.
func ApplyBlock(st state.State, results []executor.TxnResult[*Output]) error {
	for idx, res := range results {
		if res.Skipped || res.Err != nil {
			continue
		}
		if err := applyOutput(st, res.Output); err != nil {
			return fmt.Errorf("applying txn %d: %w", idx, err)
		}
	}
	return st.Commit()
}

func applyOutput(st state.State, out *Output) error {
	for key, vl := range out.ResourceWriteSet() {
		bytes, err := marshalResourceValue(key, vl.Value)
		if err != nil {
			return err
		}
		if err := st.PutResource(key, bytes); err != nil {
			return err
		}
	}

	for key, value := range out.ModuleWriteSet() {
		code, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("%w: %T at %q", errBadModuleValue, value, key)
		}
		if err := st.PutModule(key, code); err != nil {
			return err
		}
	}

	for key, value := range out.AggregatorV1WriteSet() {
		if err := st.PutAggregator(key, value); err != nil {
			return err
		}
	}

	for id, change := range out.DelayedFieldChangeSet() {
		cur, err := st.GetDelayed(id)
		exists := true
		if err == database.ErrNotFound {
			cur, exists = 0, false
		} else if err != nil {
			return err
		}
		next, err := change.ApplyTo(cur, exists)
		if err != nil {
			return fmt.Errorf("delayed field %q: %w", id, err)
		}
		if err := st.PutDelayed(id, next); err != nil {
			return err
		}
	}

	return nil
}

func marshalResourceValue(key string, value interface{}) ([]byte, error) {
	if key == ParamsKey {
		tags, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: %T at %q", errBadResourceValue, value, key)
		}
		params, err := GroupParamsFromTagMap(tags)
		if err != nil {
			return nil, err
		}
		return Codec.Marshal(CodecVersion, &params)
	}

	if !strings.HasPrefix(key, "acct/") {
		return nil, fmt.Errorf("%w: unknown resource key %q", errBadResourceValue, key)
	}
	acct, ok := value.(Account)
	if !ok {
		return nil, fmt.Errorf("%w: %T at %q", errBadResourceValue, value, key)
	}
	return Codec.Marshal(CodecVersion, &acct)
}
