// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package appconfig

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/toole-brendan/btcminer/accelerator"
	"github.com/toole-brendan/btcminer/coordinator"
	"github.com/toole-brendan/btcminer/rpcclient"
	"github.com/toole-brendan/btcminer/templatemgr"
	"github.com/toole-brendan/btcminer/worker"
)

// logRotator is the single rolling log file every subsystem logger
// writes through, mirroring the teacher's one-rotator-per-stream setup
// but collapsed to one stream since this engine has no separate error
// log.
var logRotator *rotator.Rotator

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// subsystemLoggers maps each subsystem tag accepted by setLogLevels and
// Logger onto the logger InitLogging created for that component.
var subsystemLoggers map[string]btclog.Logger

// InitLogging points every component's package-level logger at a
// rotating file under cfg.LogDir (created if missing) plus stdout, and
// applies cfg.DebugLevel. It must be called once, before Start is
// called on anything.
func InitLogging(cfg *Config) error {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return fmt.Errorf("appconfig: creating log directory: %w", err)
	}

	logFile := filepath.Join(cfg.LogDir, "btcminer.log")
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("appconfig: opening log rotator: %w", err)
	}
	logRotator = r

	backend := btclog.NewBackend(io.Writer(logWriter{}))

	rpcLog := backend.Logger("RPCC")
	tmplLog := backend.Logger("TMPL")
	coordLog := backend.Logger("COOR")
	workLog := backend.Logger("WORK")
	accelLog := backend.Logger("ACEL")
	minrLog := backend.Logger("MINR")

	rpcclient.UseLogger(rpcLog)
	templatemgr.UseLogger(tmplLog)
	coordinator.UseLogger(coordLog)
	worker.UseLogger(workLog)
	accelerator.UseLogger(accelLog)

	subsystemLoggers = map[string]btclog.Logger{
		"RPCC": rpcLog,
		"TMPL": tmplLog,
		"COOR": coordLog,
		"WORK": workLog,
		"ACEL": accelLog,
		"MINR": minrLog,
	}

	return setLogLevels(cfg.DebugLevel)
}

// Logger returns the subsystem logger registered under tag (e.g.
// "MINR"), for callers that own a package InitLogging cannot import
// directly without an import cycle — cmd/btcminer wires miner.UseLogger
// to this since miner already imports appconfig for Config.
func Logger(tag string) btclog.Logger {
	if logger, ok := subsystemLoggers[tag]; ok {
		return logger
	}
	return btclog.Disabled
}

// setLogLevels parses cfg.DebugLevel the way btcd's --debuglevel does:
// either a single level applied to every subsystem, or a comma-separated
// list of SUBSYS=level pairs.
func setLogLevels(debugLevel string) error {
	if debugLevel == "" {
		debugLevel = "info"
	}

	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		level, ok := btclog.LevelFromString(debugLevel)
		if !ok {
			return fmt.Errorf("appconfig: invalid debug level %q", debugLevel)
		}
		for _, logger := range subsystemLoggers {
			logger.SetLevel(level)
		}
		return nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("appconfig: invalid debug level pair %q", pair)
		}
		subsys, levelName := parts[0], parts[1]
		logger, ok := subsystemLoggers[subsys]
		if !ok {
			return fmt.Errorf("appconfig: unknown subsystem %q", subsys)
		}
		level, ok := btclog.LevelFromString(levelName)
		if !ok {
			return fmt.Errorf("appconfig: invalid debug level %q for subsystem %q", levelName, subsys)
		}
		logger.SetLevel(level)
	}
	return nil
}
