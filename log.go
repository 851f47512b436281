package lnrecover

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnrecover/build"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/chainsim"
	"github.com/lightningnetwork/lnrecover/commsverify"
	"github.com/lightningnetwork/lnrecover/esplora"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/ledger/memledger"
	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/lightningnetwork/lnrecover/protofsm"
	"github.com/lightningnetwork/lnrecover/recovery"
	"github.com/lightningnetwork/lnrecover/recoverydb"
	"github.com/lightningnetwork/lnrecover/risk"
	"github.com/lightningnetwork/lnrecover/socialrec"
	"github.com/lightningnetwork/lnrecover/sweep"
)

// Subsystem defines the logging code for the session package.
const Subsystem = "LNRC"

// log is the package logger. It is replaced once SetupLoggers runs.
var log = build.NewSubLogger(Subsystem, nil)

// LogManager owns the log handler of a process and the rotating file it
// writes to.
type LogManager struct {
	*build.SubLoggerManager

	rotator *build.RotatingLogWriter
}

// NewLogManager creates the root logger. Console lines go to stderr so they
// do not mix with command output. Either sink can be disabled in the config.
func NewLogManager(cfg *build.LogConfig, logFile string) (*LogManager,
	error) {

	rotator := build.NewRotatingLogWriter()
	if !cfg.File.Disable {
		err := rotator.InitLogRotator(cfg.File, logFile)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize log "+
				"rotator: %w", err)
		}
	}

	writer := &build.LogWriter{RotatorPipe: rotator}
	if !cfg.Console.Disable {
		writer.Console = os.Stderr
	}
	handler := btclog.NewDefaultHandler(
		writer, cfg.Console.HandlerOptions()...,
	)

	return &LogManager{
		SubLoggerManager: build.NewSubLoggerManager(handler),
		rotator:          rotator,
	}, nil
}

// Close flushes and closes the log file.
func (m *LogManager) Close() error {
	return m.rotator.Close()
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	// Now that we have the root logger manager, we can replace the
	// package logger.
	log = build.NewSubLogger(Subsystem, root.GenSubLogger)

	AddSubLogger(root, recovery.Subsystem, recovery.UseLogger)
	AddSubLogger(root, commsverify.Subsystem, commsverify.UseLogger)
	AddSubLogger(root, socialrec.Subsystem, socialrec.UseLogger)
	AddSubLogger(root, sweep.Subsystem, sweep.UseLogger)
	AddSubLogger(root, risk.Subsystem, risk.UseLogger)
	AddSubLogger(root, protofsm.Subsystem, protofsm.UseLogger)
	AddSubLogger(root, recoverydb.Subsystem, recoverydb.UseLogger)
	AddSubLogger(root, keychain.Subsystem, keychain.UseLogger)
	AddSubLogger(root, chainfee.Subsystem, chainfee.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, chainsim.Subsystem, chainsim.UseLogger)
	AddSubLogger(root, memledger.Subsystem, memledger.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
