// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"strings"
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	log "github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"

	"github.com/BoganyDamarien90/aptos-core/executor"
)

func testLogger() log.Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}

// testBase is an in-memory pre-block snapshot for task tests.
type testBase struct {
	accounts map[string]Account
	modules  map[string][]byte
	pool     uint64
	supply   uint64
	fee      uint64
}

var _ executor.BaseView[string, string] = (*testBase)(nil)

func newTestBase() *testBase {
	return &testBase{
		accounts: make(map[string]Account),
		modules:  make(map[string][]byte),
		fee:      3,
	}
}

func (b *testBase) BaseResource(key string) (interface{}, bool, error) {
	if key == ParamsKey {
		return GroupParams{TransferFee: b.fee}.TagMap(), true, nil
	}
	name := strings.TrimPrefix(key, "acct/")
	acct, ok := b.accounts[name]
	if !ok {
		return nil, false, nil
	}
	return acct, true, nil
}

func (b *testBase) BaseModule(key string) (interface{}, bool, error) {
	code, ok := b.modules[key]
	if !ok {
		return nil, false, nil
	}
	return code, true, nil
}

func (b *testBase) BaseAggregatorV1(key string) (uint64, bool, error) {
	if key == GasPoolKey {
		return b.pool, true, nil
	}
	return 0, false, nil
}

func (b *testBase) BaseDelayedField(id string) (uint64, bool, error) {
	if id == SupplyID {
		return b.supply, true, nil
	}
	return 0, false, nil
}

func (b *testBase) fund(name string, balance uint64) {
	b.accounts[name] = Account{Balance: decimalFromUint64(balance).String()}
}

func testExecutor(workers int) *executor.BlockExecutor[Argument, *Txn, string, string, *Output, *TxnError] {
	return executor.NewBlockExecutor(executor.Config[Argument, *Txn, string, string, *Output, *TxnError]{
		Concurrency: workers,
		Argument:    DefaultArgument(),
		NewTask:     NewTask,
		Log:         testLogger(),
	})
}

func balanceOf(t *testing.T, out *Output, name string) string {
	t.Helper()
	vl, ok := out.resources[AccountKey(name)]
	if !ok {
		t.Fatalf("no write for account %s", name)
	}
	return vl.Value.(Account).Balance
}

func TestTransfer(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.fund("alice", 100)
	base.fund("bob", 10)

	txns := []*Txn{{
		ID:     ids.ID{1},
		Kind:   KindTransfer,
		From:   "alice",
		To:     "bob",
		Amount: 25,
	}}

	res, err := testExecutor(1).Execute(txns, base)
	assert.NoError(err)
	assert.NoError(res.Results[0].Err)

	out := res.Results[0].Output
	// 100 - 25 - 3 fee
	assert.Equal("72", balanceOf(t, out, "alice"))
	assert.Equal("35", balanceOf(t, out, "bob"))

	// Transfer gas lands in the pool as an absolute write.
	assert.Equal(uint64(9), out.aggWrites[GasPoolKey])
	assert.Empty(out.aggDeltas)

	assert.Len(out.events, 1)
	ev := out.events[0].Data.(TransferEvent)
	assert.Equal("alice", ev.From)
	assert.Equal("bob", ev.To)
	assert.Equal(uint64(25), ev.Amount)

	assert.Equal(uint64(9), out.fee.TotalGasUnits)
	assert.Equal(uint64(3), out.fee.StorageFee)
}

func TestTransferToSelfKeepsBalanceMinusFee(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.fund("alice", 100)

	txns := []*Txn{{
		ID:     ids.ID{1},
		Kind:   KindTransfer,
		From:   "alice",
		To:     "alice",
		Amount: 40,
	}}

	res, err := testExecutor(1).Execute(txns, base)
	assert.NoError(err)
	assert.NoError(res.Results[0].Err)
	assert.Equal("97", balanceOf(t, res.Results[0].Output, "alice"))
}

func TestTransferInsufficientFunds(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.fund("alice", 20)
	base.fund("bob", 0)

	txns := []*Txn{{
		ID:     ids.ID{1},
		Kind:   KindTransfer,
		From:   "alice",
		To:     "bob",
		Amount: 20, // 20 + 3 fee > 20
	}}

	res, err := testExecutor(1).Execute(txns, base)
	assert.NoError(err)
	assert.ErrorIs(res.Results[0].Err, ErrInsufficientFunds)
	assert.Empty(res.Results[0].Output.resources)
}

func TestTransferFromUnknownAccount(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.fund("bob", 10)

	txns := []*Txn{{
		ID:     ids.ID{1},
		Kind:   KindTransfer,
		From:   "ghost",
		To:     "bob",
		Amount: 1,
	}}

	res, err := testExecutor(1).Execute(txns, base)
	assert.NoError(err)
	assert.ErrorIs(res.Results[0].Err, ErrUnknownAccount)
}

func TestTransferZeroAmount(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.fund("alice", 10)

	txns := []*Txn{{ID: ids.ID{1}, Kind: KindTransfer, From: "alice", To: "alice"}}

	res, err := testExecutor(1).Execute(txns, base)
	assert.NoError(err)
	assert.ErrorIs(res.Results[0].Err, ErrBadAmount)
}

func TestMintCreditsAndSnapshotsSupply(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.supply = 500

	txns := []*Txn{
		{ID: ids.ID{1}, Kind: KindMint, To: "carol", Amount: 30},
		{ID: ids.ID{2}, Kind: KindMint, To: "carol", Amount: 12},
	}

	for _, workers := range []int{1, 4} {
		res, err := testExecutor(workers).Execute(txns, base)
		assert.NoError(err)

		assert.Equal("30", balanceOf(t, res.Results[0].Output, "carol"))
		assert.Equal("42", balanceOf(t, res.Results[1].Output, "carol"))

		// Each event snapshots the supply as of its own position.
		ev0 := res.Results[0].Output.events[0].Data.(MintEvent)
		ev1 := res.Results[1].Output.events[0].Data.(MintEvent)
		assert.Equal(uint64(530), ev0.Supply, "workers %d", workers)
		assert.Equal(uint64(542), ev1.Supply, "workers %d", workers)
	}
}

func TestPublishRejectsDuplicate(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.modules[ModuleKey("existing")] = []byte{1}

	txns := []*Txn{
		{ID: ids.ID{1}, Kind: KindPublish, ModuleName: "fresh", ModuleCode: []byte{2, 3}},
		{ID: ids.ID{2}, Kind: KindPublish, ModuleName: "existing", ModuleCode: []byte{4}},
		{ID: ids.ID{3}, Kind: KindPublish, ModuleName: "fresh", ModuleCode: []byte{5}},
	}

	res, err := testExecutor(1).Execute(txns, base)
	assert.NoError(err)

	assert.NoError(res.Results[0].Err)
	assert.Equal([]byte{2, 3}, res.Results[0].Output.modules[ModuleKey("fresh")])

	// Duplicate against genesis and against an earlier txn in the block.
	assert.ErrorIs(res.Results[1].Err, ErrModuleExists)
	assert.ErrorIs(res.Results[2].Err, ErrModuleExists)
}

func TestCutoffSkipsRest(t *testing.T) {
	assert := assert.New(t)
	base := newTestBase()
	base.fund("alice", 100)
	base.fund("bob", 0)

	txns := []*Txn{
		{ID: ids.ID{1}, Kind: KindTransfer, From: "alice", To: "bob", Amount: 10},
		{ID: ids.ID{2}, Kind: KindCutoff},
		{ID: ids.ID{3}, Kind: KindTransfer, From: "alice", To: "bob", Amount: 10},
	}

	for _, workers := range []int{1, 4} {
		res, err := testExecutor(workers).Execute(txns, base)
		assert.NoError(err)

		assert.NoError(res.Results[0].Err)
		assert.False(res.Results[1].Skipped)
		assert.True(res.Results[2].Skipped, "workers %d", workers)
		assert.Empty(res.Results[2].Output.resources)
	}
}
