// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"runtime"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/BoganyDamarien90/aptos-core/chain"
)

const (
	versionKey      = "version"
	workersKey      = "workers"
	fallbackKey     = "sequential-fallback"
	txnsKey         = "txns"
	accountsKey     = "accounts"
	seedKey         = "seed"
	contentionKey   = "contention"
	mintRatioKey    = "mint-ratio"
	publishRatioKey = "publish-ratio"
)

// Config collects the command line parameters of one comparison run.
type Config struct {
	Version  bool
	Workers  int
	Fallback bool
	Gen      chain.GenConfig
}

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("blockexec", flag.ContinueOnError)

	defaults := chain.DefaultGenConfig()

	fs.Bool(versionKey, false, "If true, prints version and quits")
	fs.Int(workersKey, runtime.NumCPU(), "Worker pool size for the parallel run")
	fs.Bool(fallbackKey, true, "If true, retries the block sequentially when the parallel run halts")
	fs.Int(txnsKey, defaults.Txns, "Number of transactions in the generated block")
	fs.Int(accountsKey, defaults.Accounts, "Number of accounts in the generated workload")
	fs.Int64(seedKey, defaults.Seed, "Workload generator seed")
	fs.Float64(contentionKey, defaults.Contention, "Probability a transfer touches the hot account")
	fs.Float64(mintRatioKey, defaults.MintRatio, "Share of mint transactions")
	fs.Float64(publishRatioKey, defaults.PublishRatio, "Share of module publish transactions")

	return fs
}

// getViper returns the viper environment for the binary
func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}

func getConfig() (Config, error) {
	v, err := getViper()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Version:  v.GetBool(versionKey),
		Workers:  v.GetInt(workersKey),
		Fallback: v.GetBool(fallbackKey),
		Gen: chain.GenConfig{
			Txns:         v.GetInt(txnsKey),
			Accounts:     v.GetInt(accountsKey),
			Contention:   v.GetFloat64(contentionKey),
			MintRatio:    v.GetFloat64(mintRatioKey),
			PublishRatio: v.GetFloat64(publishRatioKey),
			Seed:         v.GetInt64(seedKey),
		},
	}, nil
}
