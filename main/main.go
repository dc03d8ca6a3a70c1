// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	log "github.com/inconshreveable/log15"

	"github.com/BoganyDamarien90/aptos-core/chain"
	"github.com/BoganyDamarien90/aptos-core/executor"
	"github.com/BoganyDamarien90/aptos-core/state"
)

const (
	name    = "blockexec"
	version = "0.1.0"
)

func main() {
	cfg, err := getConfig()
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print version and exit
	if cfg.Version {
		fmt.Printf("%s@%s\n", name, version)
		os.Exit(0)
	}

	if err := run(cfg, log.Root()); err != nil {
		fmt.Printf("run returned an error: %s\n", err)
		os.Exit(1)
	}
}

// run executes the same generated block twice, sequentially and with the
// parallel engine, and verifies the persisted states agree.
func run(cfg Config, logger log.Logger) error {
	txns := chain.RandomBlock(cfg.Gen)
	genesis := chain.GenesisFor(cfg.Gen)

	logger.Info("generated block",
		"txns", len(txns),
		"accounts", cfg.Gen.Accounts,
		"seed", cfg.Gen.Seed,
		"contention", cfg.Gen.Contention,
	)

	seqState, seqElapsed, err := executeOnce(txns, genesis, 1, false, logger.New("mode", "sequential"))
	if err != nil {
		return err
	}
	defer func() { _ = seqState.Close() }()

	parState, parElapsed, err := executeOnce(txns, genesis, cfg.Workers, cfg.Fallback, logger.New("mode", "parallel"))
	if err != nil {
		return err
	}
	defer func() { _ = parState.Close() }()

	if err := compareStates(seqState, parState, cfg.Gen); err != nil {
		return err
	}

	logger.Info("states agree",
		"workers", cfg.Workers,
		"sequential", seqElapsed,
		"parallel", parElapsed,
	)
	return nil
}

func executeOnce(txns []*chain.Txn, genesis chain.Genesis, workers int, fallback bool, logger log.Logger) (state.State, time.Duration, error) {
	st := state.NewState(memdb.New())
	if err := chain.InitGenesis(st, genesis); err != nil {
		return nil, 0, err
	}

	exec := executor.NewBlockExecutor(executor.Config[chain.Argument, *chain.Txn, string, string, *chain.Output, *chain.TxnError]{
		Concurrency:        workers,
		Argument:           chain.DefaultArgument(),
		NewTask:            chain.NewTask,
		SequentialFallback: fallback,
		Log:                logger,
	})

	start := time.Now()
	res, err := exec.Execute(txns, chain.NewStoreView(st))
	elapsed := time.Since(start)
	if err != nil {
		return nil, 0, err
	}

	committed, failed, skipped := 0, 0, 0
	for _, r := range res.Results {
		switch {
		case r.Skipped:
			skipped++
		case r.Err != nil:
			failed++
		default:
			committed++
		}
	}
	logger.Info("block executed",
		"elapsed", elapsed,
		"committed", committed,
		"failed", failed,
		"skipped", skipped,
	)

	if err := chain.ApplyBlock(st, res.Results); err != nil {
		return nil, 0, err
	}
	return st, elapsed, nil
}

func compareStates(seq, par state.State, cfg chain.GenConfig) error {
	seqView := chain.NewStoreView(seq)
	parView := chain.NewStoreView(par)

	for i := 0; i < cfg.Accounts; i++ {
		key := chain.AccountKey(chain.AccountName(i))
		a, foundA, err := seqView.BaseResource(key)
		if err != nil {
			return err
		}
		b, foundB, err := parView.BaseResource(key)
		if err != nil {
			return err
		}
		if foundA != foundB || a != b {
			return fmt.Errorf("account mismatch at %s: sequential %v parallel %v", key, a, b)
		}
	}

	seqPool, _, err := seqView.BaseAggregatorV1(chain.GasPoolKey)
	if err != nil {
		return err
	}
	parPool, _, err := parView.BaseAggregatorV1(chain.GasPoolKey)
	if err != nil {
		return err
	}
	if seqPool != parPool {
		return fmt.Errorf("gas pool mismatch: sequential %d parallel %d", seqPool, parPool)
	}

	seqSupply, _, err := seqView.BaseDelayedField(chain.SupplyID)
	if err != nil {
		return err
	}
	parSupply, _, err := parView.BaseDelayedField(chain.SupplyID)
	if err != nil {
		return err
	}
	if seqSupply != parSupply {
		return fmt.Errorf("supply mismatch: sequential %d parallel %d", seqSupply, parSupply)
	}

	return nil
}
