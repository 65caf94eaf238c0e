// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package appconfig builds the single Config struct the rest of the
// engine is wired from. There is no module-level singleton — cmd/btcminer
// parses flags and environment once at startup and passes the resulting
// Config down explicitly to rpcclient, templatemgr, coordinator and the
// CPU/external accelerator, per the REDESIGN FLAG in spec.md §9.
package appconfig

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// MiningMode selects between the fixture-driven genesis regression
// search and live, node-backed mining.
type MiningMode string

const (
	ModeGenesis MiningMode = "genesis"
	ModeLive    MiningMode = "live"
)

// Network selects the chain parameters a payout address is decoded
// against and, in live mode, the node is assumed to be running on.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// Config is every tunable spec.md §6 names, sourced from flags or the
// matching environment variable of the same name. Zero values are
// replaced with spec.md defaults by Normalize.
type Config struct {
	RPCHost string `long:"rpchost" env:"RPC_HOST" default:"127.0.0.1" description:"Bitcoin node RPC host"`
	RPCPort string `long:"rpcport" env:"RPC_PORT" default:"8332" description:"Bitcoin node RPC port"`
	RPCUser string `long:"rpcuser" env:"RPC_USERNAME" description:"Bitcoin node RPC username"`
	RPCPass string `long:"rpcpass" env:"RPC_PASSWORD" description:"Bitcoin node RPC password"`

	WorkerCount int `long:"workers" env:"WORKER_COUNT" default:"0" description:"number of search workers; 0 means one per logical CPU"`

	// ProgressReportIntervalMS is spec.md's PROGRESS_REPORT_INTERVAL,
	// in milliseconds.
	ProgressReportIntervalMS int `long:"progress-interval" env:"PROGRESS_REPORT_INTERVAL" default:"5000" description:"milliseconds between aggregated hash-rate snapshots"`

	MiningMode     MiningMode `long:"mining-mode" env:"MINING_MODE" default:"live" choice:"genesis" choice:"live" description:"genesis mines the fixed fixture block; live polls the configured node"`
	BitcoinNetwork Network    `long:"network" env:"BITCOIN_NETWORK" default:"mainnet" choice:"mainnet" choice:"testnet" description:"chain parameters used to decode the payout address"`

	PayoutAddress string `long:"payout-address" env:"PAYOUT_ADDRESS" description:"address the coinbase output pays to; required in live mode"`
	ExtraData     string `long:"extra-data" env:"COINBASE_MESSAGE" description:"optional ASCII string appended to the coinbase scriptSig"`

	LogDir     string `long:"logdir" default:"./logs" description:"directory for rotating log files"`
	DebugLevel string `long:"debuglevel" env:"DEBUG_LEVEL" default:"info" description:"trace|debug|info|warn|error|critical, or subsystem=level,..."`

	// BenchmarkNonces bounds the benchmark subcommand's fixed-count
	// hash rate run. Zero means the default 5,000,000.
	BenchmarkNonces uint64 `long:"benchmark-nonces" default:"5000000" description:"nonce count scanned by the benchmark subcommand"`

	// BenchmarkCacheFile, if set, appends each benchmark run's timing
	// sample (a JSON object) to a JSON array file instead of discarding
	// it, per spec.md §6's "optional benchmark cache file".
	BenchmarkCacheFile string `long:"benchmark-cache" description:"path to a JSON array file of past benchmark timing samples"`
}

// ConfigInvalid is returned by Normalize when the assembled
// Config cannot be used to start the engine — a fatal condition the
// CLI layer turns into exit code 1.
type ConfigInvalid struct {
	Reason string
}

func (e *ConfigInvalid) Error() string { return fmt.Sprintf("appconfig: invalid configuration: %s", e.Reason) }

// Normalize fills in defaults for any zero-valued field that go-flags'
// own `default` tag does not cover (fields only ever set programmatically,
// e.g. in tests) and validates the result.
func (c *Config) Normalize() error {
	if c.WorkerCount < 0 {
		return &ConfigInvalid{Reason: "workers must not be negative"}
	}
	if c.ProgressReportIntervalMS <= 0 {
		c.ProgressReportIntervalMS = 5000
	}
	if c.MiningMode == "" {
		c.MiningMode = ModeLive
	}
	if c.MiningMode != ModeGenesis && c.MiningMode != ModeLive {
		return &ConfigInvalid{Reason: fmt.Sprintf("mining mode %q is neither genesis nor live", c.MiningMode)}
	}
	if c.BitcoinNetwork == "" {
		c.BitcoinNetwork = NetworkMainnet
	}
	if c.BitcoinNetwork != NetworkMainnet && c.BitcoinNetwork != NetworkTestnet {
		return &ConfigInvalid{Reason: fmt.Sprintf("network %q is neither mainnet nor testnet", c.BitcoinNetwork)}
	}
	if c.MiningMode == ModeLive && c.PayoutAddress == "" {
		return &ConfigInvalid{Reason: "payout-address is required in live mining mode"}
	}
	if c.BenchmarkNonces == 0 {
		c.BenchmarkNonces = 5_000_000
	}
	return nil
}

// Net resolves BitcoinNetwork to the chaincfg.Params the address
// decoder and coinbase builder need.
func (c *Config) Net() *chaincfg.Params {
	if c.BitcoinNetwork == NetworkTestnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// ProgressReportInterval converts ProgressReportIntervalMS to a
// time.Duration for the coordinator's Config.SnapshotInterval.
func (c *Config) ProgressReportInterval() time.Duration {
	return time.Duration(c.ProgressReportIntervalMS) * time.Millisecond
}

// CoinbaseMessage returns ExtraData as the raw bytes BuildCoinbase
// appends after the extraNonce slot.
func (c *Config) CoinbaseMessage() []byte {
	if c.ExtraData == "" {
		return nil
	}
	return []byte(c.ExtraData)
}
