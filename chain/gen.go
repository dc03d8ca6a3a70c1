// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"
	"math/rand"

	"github.com/ava-labs/avalanchego/ids"
)

// GenConfig shapes a generated workload. The same config and seed always
// produce the same block, which is what makes parallel-vs-sequential
// comparison runs meaningful.
type GenConfig struct {
	Txns     int
	Accounts int

	// Contention in [0,1] is the probability a transfer touches account 0,
	// the designated hot spot.
	Contention float64

	// MintRatio and PublishRatio in [0,1] carve out the share of mints and
	// module publishes; the rest are transfers.
	MintRatio    float64
	PublishRatio float64

	Seed int64
}

// DefaultGenConfig returns a moderately contended transfer-heavy workload.
func DefaultGenConfig() GenConfig {
	return GenConfig{
		Txns:         1000,
		Accounts:     100,
		Contention:   0.1,
		MintRatio:    0.05,
		PublishRatio: 0.02,
		Seed:         1,
	}
}

// GenesisFor funds every generated account so transfers mostly succeed.
func GenesisFor(cfg GenConfig) Genesis {
	balances := make(map[string]uint64, cfg.Accounts)
	for i := 0; i < cfg.Accounts; i++ {
		balances[AccountName(i)] = 1_000_000
	}
	return Genesis{Balances: balances, TransferFee: 3}
}

// RandomBlock generates a deterministic block of transactions from the seed.
func RandomBlock(cfg GenConfig) []*Txn {
	rng := rand.New(rand.NewSource(cfg.Seed))
	txns := make([]*Txn, 0, cfg.Txns)
	for i := 0; i < cfg.Txns; i++ {
		txns = append(txns, randomTxn(rng, cfg, i))
	}
	return txns
}

func randomTxn(rng *rand.Rand, cfg GenConfig, i int) *Txn {
	txn := &Txn{ID: randomID(rng)}

	roll := rng.Float64()
	switch {
	case roll < cfg.MintRatio:
		txn.Kind = KindMint
		txn.To = AccountName(rng.Intn(cfg.Accounts))
		txn.Amount = uint64(rng.Intn(1000) + 1)
	case roll < cfg.MintRatio+cfg.PublishRatio:
		txn.Kind = KindPublish
		txn.ModuleName = fmt.Sprintf("mod%d", i)
		txn.ModuleCode = []byte{byte(i), byte(i >> 8), 0xca, 0xfe}
	default:
		txn.Kind = KindTransfer
		txn.From = AccountName(pickAccount(rng, cfg))
		txn.To = AccountName(pickAccount(rng, cfg))
		txn.Amount = uint64(rng.Intn(100) + 1)
	}
	return txn
}

func pickAccount(rng *rand.Rand, cfg GenConfig) int {
	if rng.Float64() < cfg.Contention {
		return 0
	}
	return rng.Intn(cfg.Accounts)
}

func randomID(rng *rand.Rand) ids.ID {
	var id ids.ID
	_, _ = rng.Read(id[:])
	return id
}

// AccountName returns the generated name of account [i].
func AccountName(i int) string {
	return fmt.Sprintf("acct%03d", i)
}
