// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// btcminer is a CPU proof-of-work mining engine for Bitcoin: it polls a
// node's getblocktemplate, searches the (extraNonce, nonce) space across
// a worker pool, and submits the first solved block back to the node.
//
// Three subcommands select a run mode:
//
//	start       mines in whatever mode --mining-mode resolves to
//	            (genesis or live)
//	start-live  always mines live against a node, regardless of
//	            --mining-mode
//	benchmark   runs a fixed-count CPU hash-rate sample, independent
//	            of any node
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/toole-brendan/btcminer/internal/appconfig"
	"github.com/toole-brendan/btcminer/miner"
)

const (
	startSubCmd     = "start"
	startLiveSubCmd = "start-live"
	benchmarkSubCmd = "benchmark"
)

// startConfig, startLiveConfig and benchmarkConfig each embed the full
// flag set so any subcommand accepts every flag, the way kaspawallet's
// per-command structs each embed config.NetworkFlags.
type startConfig struct {
	appconfig.Config
}

type startLiveConfig struct {
	appconfig.Config
}

type benchmarkConfig struct {
	appconfig.Config
}

func main() {
	mode, cfg, err := parseCommandLine()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if mode == startLiveSubCmd {
		cfg.MiningMode = appconfig.ModeLive
	}

	if err := cfg.Normalize(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := appconfig.InitLogging(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	miner.UseLogger(appconfig.Logger("MINR"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		cancel()
	}()

	if err := run(ctx, mode, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run dispatches to the miner function the resolved mode calls for and
// prints the one-line result a caller would otherwise have to scrape
// from the log file.
func run(ctx context.Context, mode string, cfg *appconfig.Config) error {
	switch mode {
	case startSubCmd, startLiveSubCmd:
		if cfg.MiningMode == appconfig.ModeGenesis {
			result, err := miner.MineGenesis(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("genesis solved: nonce=%d hash=%x attempts=%d elapsed=%s\n",
				result.Nonce, result.Hash, result.Attempts, result.Elapsed)
			return nil
		}
		return miner.RunLive(ctx, cfg)

	case benchmarkSubCmd:
		result, err := miner.RunBenchmark(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("benchmark: %d nonces in %s (%.0f H/s)\n", result.Nonces, result.Elapsed, result.HashRate)
		return nil

	default:
		return fmt.Errorf("btcminer: unknown mode %q", mode)
	}
}

// parseCommandLine registers the three subcommands and returns the
// active command's name alongside the Config it populated.
func parseCommandLine() (string, *appconfig.Config, error) {
	parser := flags.NewParser(&struct{}{}, flags.Default)

	startConf := &startConfig{}
	parser.AddCommand(startSubCmd, "Mine in the configured mode",
		"Mines in whatever mode --mining-mode resolves to: the fixed genesis fixture, or live against a node.", startConf)

	startLiveConf := &startLiveConfig{}
	parser.AddCommand(startLiveSubCmd, "Mine live against a node",
		"Mines live against the configured node regardless of --mining-mode.", startLiveConf)

	benchmarkConf := &benchmarkConfig{}
	parser.AddCommand(benchmarkSubCmd, "Run a CPU hash-rate benchmark",
		"Scans a fixed nonce count against an unreachable target and reports the resulting hash rate. No node is contacted.", benchmarkConf)

	if _, err := parser.Parse(); err != nil {
		return "", nil, err
	}

	if parser.Command.Active == nil {
		return "", nil, fmt.Errorf("btcminer: no command given (use start, start-live, or benchmark)")
	}

	switch parser.Command.Active.Name {
	case startSubCmd:
		return startSubCmd, &startConf.Config, nil
	case startLiveSubCmd:
		return startLiveSubCmd, &startLiveConf.Config, nil
	case benchmarkSubCmd:
		return benchmarkSubCmd, &benchmarkConf.Config, nil
	default:
		return "", nil, fmt.Errorf("btcminer: unrecognized command %q", parser.Command.Active.Name)
	}
}
