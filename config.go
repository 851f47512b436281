package lnrecover

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnrecover/build"
	"github.com/lightningnetwork/lnrecover/lncfg"
)

const (
	defaultLogLevel = "info"

	defaultNetwork = "mainnet"
)

var (
	// DefaultAppDir is the default directory holding the config file, the
	// database and the logs.
	DefaultAppDir = btcutil.AppDataDir("lnrecover", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultAppDir, lncfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultAppDir, lncfg.DefaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, lncfg.DefaultLogDirname)
)

// Config is the configuration of an lnrecover session.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AppDir     string `long:"appdir" description:"The base directory that contains lnrecover's data, logs and configuration file."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store lnrecover's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Network string `long:"network" description:"The bitcoin network keysets are derived for." choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet"`

	Account string `long:"account" description:"The account the session acts for."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	DB *lncfg.DB `group:"db" namespace:"db"`

	Recovery *lncfg.Recovery `group:"recovery" namespace:"recovery"`

	Comms *lncfg.Comms `group:"comms" namespace:"comms"`

	SocialRecovery *lncfg.SocialRecovery `group:"socialrecovery" namespace:"socialrecovery"`

	Sweeper *lncfg.Sweeper `group:"sweeper" namespace:"sweeper"`

	Esplora *lncfg.Esplora `group:"esplora" namespace:"esplora"`

	Prometheus lncfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	// ActiveNetParams are the chain parameters of the selected network.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDir:         DefaultAppDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		Network:        defaultNetwork,
		DebugLevel:     defaultLogLevel,
		LogConfig:      build.DefaultLogConfig(),
		DB:             lncfg.DefaultDB(),
		Recovery:       lncfg.DefaultRecovery(),
		Comms:          lncfg.DefaultComms(),
		SocialRecovery: lncfg.DefaultSocialRecovery(),
		Sweeper:        lncfg.DefaultSweeper(),
		Esplora:        lncfg.DefaultEsploraConfig(),
		Prometheus:     lncfg.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their appdir, then we should assume they intend to use the
	// config file within it.
	appDir := lncfg.CleanAndExpandPath(preCfg.AppDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if appDir != DefaultAppDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(
			appDir, lncfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done.
	if configFileError != nil && !os.IsNotExist(configFileError) {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane and normalizes
// every path. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided app directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	appDir := lncfg.CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		cfg.DataDir = filepath.Join(appDir, lncfg.DefaultDataDirname)
		cfg.LogDir = filepath.Join(appDir, lncfg.DefaultLogDirname)
	}
	cfg.AppDir = appDir
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)

	if cfg.DB.Path == "" {
		cfg.DB.Path = cfg.DataDir
	}
	cfg.DB.Path = lncfg.CleanAndExpandPath(cfg.DB.Path)

	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetParams = params

	err = lncfg.Validate(
		cfg.DB, cfg.Recovery, cfg.Comms, cfg.SocialRecovery,
		cfg.Sweeper, cfg.Esplora, &cfg.Prometheus,
	)
	if err != nil {
		return nil, err
	}

	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, fmt.Errorf("error validating logging config: %w",
			err)
	}

	return &cfg, nil
}

// LogFile returns the full path of the log file for the configured network.
func (c *Config) LogFile() string {
	return filepath.Join(
		c.LogDir, lncfg.NormalizeNetwork(c.ActiveNetParams.Name),
		lncfg.DefaultLogFilename,
	)
}

// DBFile returns the full path of the recovery database file.
func (c *Config) DBFile() string {
	return filepath.Join(c.DB.Path, lncfg.DefaultDBFilename)
}

// networkParams maps a network name to its chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
