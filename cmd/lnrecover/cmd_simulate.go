package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnrecover"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/chainsim"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/ledger/memledger"
	"github.com/lightningnetwork/lnrecover/lncfg"
	"github.com/lightningnetwork/lnrecover/recovery"
	"github.com/lightningnetwork/lnrecover/recoverydb"
	"github.com/lightningnetwork/lnrecover/risk"
	"github.com/urfave/cli"
)

var simulateCommand = cli.Command{
	Name:     "simulate",
	Category: "Recovery",
	Usage: "Run a lost hardware recovery against an in-memory ledger " +
		"and chain.",
	Description: `
	Creates an account on a simulated ledger, funds its keyset and
	recovers from a lost hardware device: the initiation is verified
	through a comms code, the delay is skipped on a test clock, the
	stale keyset is swept and the auth keys are rotated.`,
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "amount",
			Value: 50_000,
			Usage: "the amount in satoshis to fund the keyset with",
		},
		cli.DurationFlag{
			Name:  "delay",
			Value: memledger.DefaultDelay,
			Usage: "the recovery delay the ledger enforces",
		},
		cli.Uint64Flag{
			Name:  "feerate",
			Value: uint64(chainfee.FeePerKwFloor),
			Usage: "the sweep fee rate in sat/kw",
		},
	},
	Action: simulate,
}

// codeInbox stands in for the customer's touchpoints.
type codeInbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeInbox) Send(_ context.Context, tp ledger.Touchpoint,
	code string) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Printf("code %s sent to %v %s\n", code, tp.Kind, tp.Address)
	c.codes[tp.ID] = code

	return nil
}

func (c *codeInbox) prompt(_ context.Context, tp ledger.Touchpoint,
	_ int) (string, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.codes[tp.ID], nil
}

func simulate(ctx *cli.Context) error {
	ctxb := context.Background()

	if cfg.Account == "" {
		cfg.Account = "simulated"
	}
	account := ledger.AccountID(cfg.Account)

	inbox := &codeInbox{codes: make(map[string]string)}
	testClock := clock.NewTestClock(time.Now())

	ledgerCfg := memledger.DefaultConfig(inbox)
	ledgerCfg.Clock = testClock
	ledgerCfg.Delay = ctx.Duration("delay")
	ledgerCfg.Network = cfg.ActiveNetParams

	server, err := memledger.New(ledgerCfg)
	if err != nil {
		return err
	}

	ring := keychain.NewKeyRing()
	appAuth, err := ring.DeriveNextKey(keychain.KeyFamilyAuth)
	if err != nil {
		return err
	}
	appSpend, err := ring.DeriveNextKey(keychain.KeyFamilySpending)
	if err != nil {
		return err
	}
	lostDevice, err := keychain.NewSoftwareDevice()
	if err != nil {
		return err
	}
	newDevice, err := keychain.NewSoftwareDevice()
	if err != nil {
		return err
	}

	original, err := server.CreateAccount(memledger.AccountParams{
		ID:                  account,
		AppAuthKey:          appAuth.PubKey,
		HardwareAuthKey:     lostDevice.AuthKey(),
		AppSpendingKey:      appSpend.PubKey,
		HardwareSpendingKey: lostDevice.SpendingKey(),
		Touchpoints: []ledger.Touchpoint{{
			ID:      "email",
			Kind:    ledger.TouchpointEmail,
			Address: cfg.Account + "@example.com",
		}},
	})
	if err != nil {
		return err
	}

	chain := chainsim.New()
	amount := btcutil.Amount(ctx.Int64("amount"))
	if _, err := chain.FundKeyset(original, amount); err != nil {
		return err
	}
	fmt.Printf("funded keyset %s with %v\n", original.ID, amount)

	dbDir, err := os.MkdirTemp("", "lnrecover-simulate")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dbDir)

	db, err := recoverydb.Open(
		dbDir, lncfg.DefaultDBFilename, cfg.DB.Timeout,
	)
	if err != nil {
		return err
	}
	defer db.Close()

	feeRate := chainfee.SatPerKWeight(ctx.Uint64("feerate"))
	sess, err := lnrecover.NewAccountSession(lnrecover.SessionConfig{
		Cfg:     cfg,
		Account: account,
		Ledger:  server,
		Chain:   chain,
		FeeEstimator: chainfee.NewStaticEstimator(
			feeRate, chainfee.FeePerKwFloor,
		),
		DB:         db,
		Clock:      testClock,
		Ring:       ring,
		AppAuthKey: appAuth.PubKey,
		Device:     newDevice,

		// The funds of every keyset except the replacement are
		// locked to the lost device's spending key.
		HardwareRequired: func(ks *keyset.SpendingKeyset) bool {
			return !ks.HasKey(newDevice.SpendingKey())
		},
		RiskInputs: risk.Inputs{
			AccountActive:          true,
			MobileKeyBackup:        risk.BackupHealthy,
			EmergencyKeyBackup:     risk.BackupHealthy,
			ContactMethodsComplete: true,
		},
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(ctxb); err != nil {
		return err
	}
	defer sess.Stop()

	fmt.Printf("risk level: %v\n", sess.Risk.Level())

	challenge, err := sess.Recovery.PossessionChallenge(ctxb)
	if err != nil {
		return err
	}
	proof, err := sess.Recovery.Prove(ctxb, keyset.FactorApp, challenge)
	if err != nil {
		return err
	}

	event, err := sess.Initiate(ctxb, &ledger.InitiateRequest{
		LostFactor: keyset.FactorHardware,
		Destination: ledger.ProposedKeys{
			HardwareAuthKey:     newDevice.AuthKey(),
			HardwareSpendingKey: newDevice.SpendingKey(),
		},
		Challenge: challenge,
		Proof:     proof,
	}, inbox.prompt)
	if err != nil {
		return err
	}
	fmt.Printf("initiated %v\n", event)

	testClock.SetTime(event.DelayEndsAt)
	fmt.Printf("advanced clock to %v\n", event.DelayEndsAt.UTC())

	err = sess.CompleteRecovery(ctxb)
	rErr, ok := recovery.AsError(err)
	switch {
	case err == nil:

	case ok && rErr.Kind == recovery.KindHardwareSignaturesRequired:
		fmt.Printf("rotation paused: %v\n", rErr)

		// Only the lost device's key can co-sign the stale keyset in
		// the simulation, so it stands in for a recovered backup.
		state, err := sess.SweepWithDevice(ctxb, lostDevice)
		if err != nil {
			return err
		}
		fmt.Printf("sweep state: %v\n", state)

		if err := sess.CompleteRecovery(ctxb); err != nil {
			return err
		}

	default:
		return err
	}

	status, err := sess.Recovery.Status(ctxb)
	if err != nil {
		return err
	}
	fmt.Printf("recovery state: %v\n", recovery.StateOf(status))

	if active, err := sess.Recovery.ActiveKeyset().UnwrapOrErr(
		fmt.Errorf("no active keyset"),
	); err == nil {
		balance, err := chain.KeysetBalance(active)
		if err != nil {
			return err
		}
		fmt.Printf("active keyset %s balance: %v\n", active.ID,
			balance)
	}

	fmt.Printf("risk level: %v\n", sess.Risk.Level())

	return nil
}
