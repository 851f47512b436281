package main

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/possession"
	"github.com/lightningnetwork/lnrecover/risk"
	"github.com/urfave/cli"
)

var riskCommand = cli.Command{
	Name:     "risk",
	Category: "Account",
	Usage:    "Classify whether an account's funds are at risk.",
	Flags: []cli.Flag{
		cli.BoolTFlag{
			Name:  "active",
			Usage: "whether the account is fully set up",
		},
		cli.BoolFlag{
			Name:  "hardware",
			Usage: "whether a hardware device is paired",
		},
		cli.StringFlag{
			Name:  "mobile_backup",
			Value: "unknown",
			Usage: "the mobile key backup (healthy, missing, unknown)",
		},
		cli.StringFlag{
			Name:  "emergency_backup",
			Value: "unknown",
			Usage: "the emergency key backup (healthy, missing, " +
				"unknown)",
		},
		cli.BoolFlag{
			Name:  "contacts_complete",
			Usage: "whether every contact method is set up",
		},
	},
	Action: evaluateRisk,
}

func parseBackupHealth(s string) (risk.BackupHealth, error) {
	switch s {
	case "unknown":
		return risk.BackupUnknown, nil

	case "healthy":
		return risk.BackupHealthy, nil

	case "missing":
		return risk.BackupMissing, nil

	default:
		return 0, fmt.Errorf("unknown backup health %q", s)
	}
}

func evaluateRisk(ctx *cli.Context) error {
	mobile, err := parseBackupHealth(ctx.String("mobile_backup"))
	if err != nil {
		return err
	}
	emergency, err := parseBackupHealth(ctx.String("emergency_backup"))
	if err != nil {
		return err
	}

	level := risk.Evaluate(risk.Inputs{
		AccountActive:          ctx.BoolT("active"),
		HardwarePresent:        ctx.Bool("hardware"),
		MobileKeyBackup:        mobile,
		EmergencyKeyBackup:     emergency,
		ContactMethodsComplete: ctx.Bool("contacts_complete"),
	})
	metrics.SetRiskLevel(level.Priority())

	fmt.Println(level)

	return nil
}

var verifyProofCommand = cli.Command{
	Name:      "verifyproof",
	Category:  "Account",
	Usage:     "Verify a proof of possession over a challenge.",
	ArgsUsage: "proof challenge pubkey",
	Description: `
	Checks that the hex encoded proof was produced over the hex encoded
	challenge by the given factor's key.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "factor",
			Value: keyset.FactorApp.String(),
			Usage: "the factor that produced the proof",
		},
	},
	Action: verifyProof,
}

func verifyProof(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.ShowCommandHelp(ctx, "verifyproof")
	}
	args := ctx.Args()

	proofBytes, err := hex.DecodeString(args.Get(0))
	if err != nil {
		return fmt.Errorf("unable to decode proof: %w", err)
	}
	proof, err := possession.ParseProof(proofBytes)
	if err != nil {
		return err
	}

	challenge, err := hex.DecodeString(args.Get(1))
	if err != nil {
		return fmt.Errorf("unable to decode challenge: %w", err)
	}

	pubBytes, err := hex.DecodeString(args.Get(2))
	if err != nil {
		return fmt.Errorf("unable to decode pubkey: %w", err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return err
	}

	factor, err := keyset.ParseFactor(ctx.String("factor"))
	if err != nil {
		return err
	}

	if err := possession.Verify(proof, challenge, factor, pub); err != nil {
		return err
	}

	fmt.Println("valid")

	return nil
}
