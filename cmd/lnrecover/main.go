package main

import (
	"fmt"
	"os"

	"github.com/lightningnetwork/lnrecover"
	"github.com/lightningnetwork/lnrecover/build"
	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/urfave/cli"
)

var (
	// cfg is the loaded configuration, available to every command once
	// the app's Before hook has run.
	cfg *lnrecover.Config

	logMgr *lnrecover.LogManager

	metrics = monitoring.NewMetrics()
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[lnrecover] %v\n", err)
	os.Exit(1)
}

// configArgs translates the global flags into go-flags style arguments so
// they take precedence over the config file.
func configArgs(ctx *cli.Context) []string {
	var args []string
	for _, name := range []string{
		"appdir", "configfile", "network", "account", "debuglevel",
	} {
		if ctx.GlobalIsSet(name) {
			args = append(args, fmt.Sprintf("--%s=%s", name,
				ctx.GlobalString(name)))
		}
	}

	return args
}

// setup loads the config and initializes logging and metrics.
func setup(ctx *cli.Context) error {
	var err error
	cfg, err = lnrecover.LoadConfig(configArgs(ctx))
	if err != nil {
		return err
	}

	logMgr, err = lnrecover.NewLogManager(cfg.LogConfig, cfg.LogFile())
	if err != nil {
		return err
	}
	lnrecover.SetupLoggers(logMgr.SubLoggerManager)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return err
	}

	if !cfg.Prometheus.Enabled() {
		return nil
	}

	return monitoring.ExportPrometheusMetrics(metrics, cfg.Prometheus)
}

func teardown(_ *cli.Context) error {
	if logMgr == nil {
		return nil
	}

	return logMgr.Close()
}

func main() {
	app := cli.NewApp()
	app.Name = "lnrecover"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "drive and inspect Delay and Notify wallet recoveries"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "appdir",
			Value: lnrecover.DefaultAppDir,
			Usage: "The path to lnrecover's base directory.",
		},
		cli.StringFlag{
			Name:  "configfile",
			Value: lnrecover.DefaultConfigFile,
			Usage: "The path to lnrecover's config file.",
		},
		cli.StringFlag{
			Name:  "network, n",
			Usage: "The network keysets are derived for, (mainnet, " +
				"testnet, signet, regtest, simnet).",
		},
		cli.StringFlag{
			Name:  "account",
			Usage: "The account the session acts for.",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "Logging level for all subsystems.",
		},
	}
	app.Before = setup
	app.After = teardown
	app.Commands = []cli.Command{
		simulateCommand,
		estimateFeeCommand,
		listUnspentCommand,
		riskCommand,
		verifyProofCommand,
		versionCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

var versionCommand = cli.Command{
	Name:  "version",
	Usage: "Display lnrecover version info.",
	Action: func(ctx *cli.Context) error {
		fmt.Printf("lnrecover version %s commit=%s\n", build.Version(),
			build.Commit)
		return nil
	},
}
