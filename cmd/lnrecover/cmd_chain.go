package main

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/esplora"
	"github.com/urfave/cli"
)

func getEsploraClient() *esplora.Client {
	return esplora.NewClient(&esplora.ClientConfig{
		URL:            cfg.Esplora.URL,
		RequestTimeout: cfg.Esplora.RequestTimeout,
		MaxRetries:     cfg.Esplora.MaxRetries,
	})
}

var estimateFeeCommand = cli.Command{
	Name:     "estimatefee",
	Category: "Chain",
	Usage:    "Query the sweep fee rate for a confirmation target.",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "conf_target",
			Usage: "the number of blocks the sweep should confirm in",
		},
	},
	Action: estimateFee,
}

func estimateFee(ctx *cli.Context) error {
	client := getEsploraClient()
	defer client.Stop()

	estimator := chainfee.NewSourceEstimator(
		esplora.NewChainSource(client), chainfee.FeePerKwFloor,
		ticker.New(cfg.Esplora.FeeRefresh),
	)
	if err := estimator.Start(); err != nil {
		return err
	}
	defer estimator.Stop()

	confTarget := cfg.Sweeper.ConfTarget
	if ctx.IsSet("conf_target") {
		confTarget = uint32(ctx.Uint64("conf_target"))
	}

	feeRate, err := estimator.EstimateFeePerKW(confTarget)
	if err != nil {
		return err
	}

	fmt.Printf("conf_target=%d fee_rate=%v (%v) relay_fee=%v\n",
		confTarget, feeRate, feeRate.FeePerVByte(),
		estimator.RelayFeePerKW())

	return nil
}

var listUnspentCommand = cli.Command{
	Name:      "listunspent",
	Category:  "Chain",
	Usage:     "List the unspent outputs paying to an address.",
	ArgsUsage: "address",
	Action:    listUnspent,
}

func listUnspent(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "listunspent")
	}

	addr, err := btcutil.DecodeAddress(
		ctx.Args().First(), cfg.ActiveNetParams,
	)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	client := getEsploraClient()
	defer client.Stop()

	utxos, err := client.AddressUTXOs(
		context.Background(), addr.EncodeAddress(),
	)
	if err != nil {
		return err
	}

	var total btcutil.Amount
	for _, u := range utxos {
		amt := btcutil.Amount(u.Value)
		total += amt

		fmt.Printf("%s:%d %v confirmed=%v\n", u.TxID, u.Vout, amt,
			u.Status.Confirmed)
	}
	fmt.Printf("total: %v\n", total)

	return nil
}
