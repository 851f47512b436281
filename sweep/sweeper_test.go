package sweep_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/chainsim"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/ledger/memledger"
	"github.com/lightningnetwork/lnrecover/multimutex"
	"github.com/lightningnetwork/lnrecover/sweep"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testAccount = ledger.AccountID("acct")

	testFeeRate = chainfee.SatPerKWeight(2500)
)

type sweepHarness struct {
	t       *testing.T
	ctx     context.Context
	ledger  *memledger.Ledger
	chain   *chainsim.Chain
	ring    *keychain.KeyRing
	device  *keychain.SoftwareDevice
	active  *keyset.SpendingKeyset
	locks   *multimutex.Mutex[ledger.AccountID]
	sweeper *sweep.Sweeper
}

func newPub(t require.TestingT) *btcec.PublicKey {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

func newSweepHarness(t *testing.T) *sweepHarness {
	ctx := context.Background()

	l, err := memledger.New(memledger.DefaultConfig(nil))
	require.NoError(t, err)

	ring := keychain.NewKeyRing()
	appSpend, err := ring.DeriveNextKey(keychain.KeyFamilySpending)
	require.NoError(t, err)

	device, err := keychain.NewSoftwareDevice()
	require.NoError(t, err)

	active, err := l.CreateAccount(memledger.AccountParams{
		ID:                  testAccount,
		AppAuthKey:          newPub(t),
		HardwareAuthKey:     device.AuthKey(),
		AppSpendingKey:      appSpend.PubKey,
		HardwareSpendingKey: device.SpendingKey(),
	})
	require.NoError(t, err)

	h := &sweepHarness{
		t:      t,
		ctx:    ctx,
		ledger: l,
		chain:  chainsim.New(),
		ring:   ring,
		device: device,
		active: active,
		locks:  multimutex.NewMutex[ledger.AccountID](),
	}
	h.sweeper = h.newSweeper(l)

	return h
}

// newSweeper creates and starts a sweeper backed by the given wallet.
func (h *sweepHarness) newSweeper(wallet ledger.WalletClient) *sweep.Sweeper {
	sweeper := sweep.New(sweep.Config{
		Account: testAccount,
		Wallet:  wallet,
		Ring:    h.ring,
		Chain:   h.chain,
		FeeEstimator: chainfee.NewStaticEstimator(
			testFeeRate, chainfee.FeePerKwFloor,
		),
		ConfTarget: 6,
		Label:      "sweep",
		Locks:      h.locks,
	})
	require.NoError(h.t, sweeper.Start(h.ctx))
	h.t.Cleanup(sweeper.Stop)

	return sweeper
}

// appKeyset adds a stale keyset whose app key is held by the ring.
func (h *sweepHarness) appKeyset(amt btcutil.Amount) *keyset.SpendingKeyset {
	appSpend, err := h.ring.DeriveNextKey(keychain.KeyFamilySpending)
	require.NoError(h.t, err)

	return h.fundedKeyset(appSpend.PubKey, amt)
}

// hardwareKeyset adds a stale keyset whose app key was lost.
func (h *sweepHarness) hardwareKeyset(
	amt btcutil.Amount) *keyset.SpendingKeyset {

	return h.fundedKeyset(newPub(h.t), amt)
}

func (h *sweepHarness) fundedKeyset(appKey *btcec.PublicKey,
	amt btcutil.Amount) *keyset.SpendingKeyset {

	ks, err := h.ledger.AddKeyset(
		testAccount, appKey, h.device.SpendingKey(),
	)
	require.NoError(h.t, err)

	if amt > 0 {
		_, err = h.chain.FundKeyset(ks, amt)
		require.NoError(h.t, err)
	}

	return ks
}

func (h *sweepHarness) balance(ks *keyset.SpendingKeyset) btcutil.Amount {
	amt, err := h.chain.KeysetBalance(ks)
	require.NoError(h.t, err)

	return amt
}

// TestGeneratePlan checks which keysets end up in a plan.
func TestGeneratePlan(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)

	_, err := h.chain.FundKeyset(h.active, 10_000)
	require.NoError(t, err)

	funded := h.appKeyset(50_000)
	h.appKeyset(0)
	dust := h.appKeyset(300)

	plan, err := h.sweeper.Generate(h.ctx)
	require.NoError(t, err)
	require.IsType(t, &sweep.PsbtsGenerated{}, h.sweeper.State())

	require.Len(t, plan.Sweeps, 1)
	s := plan.Sweeps[0]
	require.Equal(t, funded.ID, s.Keyset.ID)
	require.Equal(t, btcutil.Amount(50_000), s.Balance())
	require.Equal(t, s.Fee, plan.TotalFee)
	require.False(t, s.NeedsHardware)
	require.True(t, plan.AppOnlySignable())

	require.Len(t, plan.Uneconomical, 1)
	require.Equal(t, dust.ID, plan.Uneconomical[0].ID)

	// The sweep pays to the active keyset.
	activeScript, err := h.active.PkScript()
	require.NoError(t, err)
	txOuts := s.Packet.UnsignedTx.TxOut
	require.Len(t, txOuts, 1)
	require.Equal(t, activeScript, txOuts[0].PkScript)
	require.EqualValues(t, s.Amount, txOuts[0].Value)

	_, ok := plan.ForKeyset(h.active.ID)
	require.False(t, ok)
	require.Equal(t, h.active.ID, plan.DestinationKeyset)
}

// TestNoFundsFound checks that an account without stale funds ends in
// NoFundsFound and can be generated again.
func TestNoFundsFound(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	h.appKeyset(0)

	pending, err := h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.IsType(t, &sweep.NoFundsFound{}, h.sweeper.State())
	require.True(t, h.sweeper.State().IsTerminal())

	// Funds arriving later are picked up by a new generation.
	ks := h.hardwareKeyset(20_000)
	pending, err = h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ks.ID, pending[0].ID)

	err = h.sweeper.Confirm(h.ctx)
	require.NoError(t, err)
	require.IsType(
		t, &sweep.AwaitingHardwareSignatures{}, h.sweeper.State(),
	)
}

// TestSweepAppOnly drains stale keysets with app and server signatures.
func TestSweepAppOnly(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	first := h.appKeyset(50_000)
	second := h.appKeyset(75_000)

	plan, err := h.sweeper.Generate(h.ctx)
	require.NoError(t, err)
	require.Len(t, plan.Sweeps, 2)

	sub, err := h.sweeper.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, h.sweeper.Confirm(h.ctx))

	state, ok := h.sweeper.State().(*sweep.Complete)
	require.True(t, ok, "state: %v", h.sweeper.State())
	require.Len(t, state.Txids, 2)
	require.NoError(t, h.sweeper.Err())

	require.Zero(t, h.balance(first))
	require.Zero(t, h.balance(second))
	require.Equal(
		t, btcutil.Amount(125_000)-plan.TotalFee, h.balance(h.active),
	)

	for id, txid := range state.Txids {
		tx, label, ok := h.chain.Transaction(txid)
		require.True(t, ok, "keyset %v", id)
		require.Equal(t, "sweep", label)
		require.Len(t, tx.TxIn[0].Witness, 4)
	}

	// The subscriber sees the run go through signing and end in
	// Complete.
	var sawSigning bool
	for {
		select {
		case state := <-sub.Updates():
			switch state.(type) {
			case *sweep.SigningAndBroadcasting:
				sawSigning = true
				continue

			case *sweep.Complete:
				require.True(t, sawSigning)
				return
			}

		case <-time.After(time.Second):
			t.Fatalf("sweep completion not published")
		}
	}
}

// TestSweepHardwareRequired checks the hardware signature gate.
func TestSweepHardwareRequired(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ks := h.hardwareKeyset(60_000)

	pending, err := h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ks.ID, pending[0].ID)

	// Device signing is only possible once the plan was confirmed.
	err = h.sweeper.SignWithDevice(h.ctx, h.device)
	require.ErrorIs(t, err, sweep.ErrInvalidEvent)

	require.NoError(t, h.sweeper.Confirm(h.ctx))

	plan := h.sweeper.Plan().UnwrapOr(nil)
	require.NotNil(t, plan)
	s, ok := plan.ForKeyset(ks.ID)
	require.True(t, ok)

	// An unsigned packet is rejected.
	err = h.sweeper.AddHardwareSignature(h.ctx, ks.ID, s.Packet)
	require.ErrorIs(t, err, sweep.ErrInvalidHardwareSignature)

	// A packet signed by another device is rejected too.
	other, err := keychain.NewSoftwareDevice()
	require.NoError(t, err)
	foreign, err := other.SignPsbt(h.ctx, s.Packet)
	require.NoError(t, err)
	err = h.sweeper.AddHardwareSignature(h.ctx, ks.ID, foreign)
	require.ErrorIs(t, err, sweep.ErrInvalidHardwareSignature)

	err = h.sweeper.AddHardwareSignature(h.ctx, "unknown", s.Packet)
	require.ErrorIs(t, err, sweep.ErrUnknownKeyset)

	pending, err = h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, h.sweeper.SignWithDevice(h.ctx, h.device))
	require.IsType(t, &sweep.Complete{}, h.sweeper.State())

	pending, err = h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.Zero(t, h.balance(ks))
	require.Equal(t, s.Amount, h.balance(h.active))
}

// TestSweepPartialFailure checks that one failed broadcast does not stop the
// other sweeps and that a retry finishes the job.
func TestSweepPartialFailure(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	first := h.appKeyset(40_000)
	second := h.appKeyset(80_000)

	_, err := h.sweeper.Generate(h.ctx)
	require.NoError(t, err)

	errBoom := errors.New("mempool full")
	h.chain.FailNextPublish(errBoom)
	require.NoError(t, h.sweeper.Confirm(h.ctx))

	failed, ok := h.sweeper.State().(*sweep.Failed)
	require.True(t, ok, "state: %v", h.sweeper.State())
	require.ErrorIs(t, h.sweeper.Err(), errBoom)
	require.Len(t, failed.FailedKeysets(), 1)
	require.Len(t, failed.Txids, 1)

	var broadcastErr *sweep.BroadcastError
	require.ErrorAs(t, failed.Err, &broadcastErr)
	require.Len(t, broadcastErr.Broadcast, 1)

	// Exactly one keyset was drained.
	remaining := h.balance(first) + h.balance(second)
	require.True(
		t, remaining == 40_000 || remaining == 80_000,
		"remaining %v", remaining,
	)

	require.NoError(t, h.sweeper.Retry(h.ctx))
	plan := h.sweeper.Plan().UnwrapOr(nil)
	require.NotNil(t, plan)
	require.Len(t, plan.Sweeps, 1)
	require.Equal(t, failed.FailedKeysets()[0], plan.Sweeps[0].Keyset.ID)

	require.NoError(t, h.sweeper.Confirm(h.ctx))
	require.IsType(t, &sweep.Complete{}, h.sweeper.State())
	require.Zero(t, h.balance(first)+h.balance(second))
}

// TestGenerationFailure checks that a failed balance query surfaces through
// the gate and can be retried.
func TestGenerationFailure(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	h.appKeyset(10_000)

	errDown := errors.New("server down")
	h.ledger.FailNext("Keysets", errDown)

	_, err := h.sweeper.PendingHardwareSignatures(h.ctx)
	require.ErrorIs(t, err, errDown)
	require.IsType(t, &sweep.GenerationFailed{}, h.sweeper.State())

	err = h.sweeper.Confirm(h.ctx)
	require.ErrorIs(t, err, sweep.ErrInvalidEvent)

	require.NoError(t, h.sweeper.Retry(h.ctx))
	require.IsType(t, &sweep.PsbtsGenerated{}, h.sweeper.State())
}

// TestExecutorMissingHardware checks that a sweep needing the hardware
// factor is never signed without it.
func TestExecutorMissingHardware(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ks := h.hardwareKeyset(30_000)
	other := h.hardwareKeyset(30_000)

	plan, err := h.sweeper.Generate(h.ctx)
	require.NoError(t, err)

	executor := sweep.NewExecutor(sweep.ExecutorConfig{
		Account: testAccount,
		Wallet:  h.ledger,
		Ring:    h.ring,
		Chain:   h.chain,
	})

	s, ok := plan.ForKeyset(ks.ID)
	require.True(t, ok)
	_, err = executor.SignKeyset(h.ctx, s, fn.None[*psbt.Packet]())
	require.ErrorIs(t, err, sweep.ErrMissingHardwareSignature)

	// Signatures over another sweep do not match.
	o, ok := plan.ForKeyset(other.ID)
	require.True(t, ok)
	signed, err := h.device.SignPsbt(h.ctx, o.Packet)
	require.NoError(t, err)
	_, err = executor.SignKeyset(h.ctx, s, fn.Some(signed))
	require.ErrorIs(t, err, sweep.ErrPacketMismatch)

	err = executor.SignAndBroadcast(h.ctx, plan, map[string]*psbt.Packet{
		other.ID: signed,
	})
	var broadcastErr *sweep.BroadcastError
	require.ErrorAs(t, err, &broadcastErr)
	require.Equal(t, []string{ks.ID}, broadcastErr.FailedKeysets())
	require.Equal(t, []string{other.ID}, broadcastErr.Broadcast)
	require.ErrorIs(t, err, sweep.ErrMissingHardwareSignature)
	require.Zero(t, h.balance(other))
}

// TestGeneratorProperties checks the plan against random keyset balances.
func TestGeneratorProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		chain := chainsim.New()
		feeRate := chainfee.SatPerKWeight(
			rapid.Int64Range(253, 20_000).Draw(rt, "fee_rate"),
		)

		newKeyset := func(id string) *keyset.SpendingKeyset {
			return &keyset.SpendingKeyset{
				ID:          id,
				AppKey:      newPub(rt),
				HardwareKey: newPub(rt),
				ServerKey:   newPub(rt),
				Network:     &chaincfg.RegressionNetParams,
			}
		}

		active := newKeyset("active")
		keysets := []*keyset.SpendingKeyset{active}
		balances := make(map[string]btcutil.Amount)

		n := rapid.IntRange(0, 6).Draw(rt, "num_keysets")
		for i := 0; i < n; i++ {
			ks := newKeyset(string(rune('a' + i)))
			keysets = append(keysets, ks)

			outputs := rapid.IntRange(0, 3).Draw(rt, "outputs")
			for j := 0; j < outputs; j++ {
				amt := btcutil.Amount(rapid.Int64Range(
					1, 100_000,
				).Draw(rt, "amount"))

				_, err := chain.FundKeyset(ks, amt)
				require.NoError(rt, err)
				balances[ks.ID] += amt
			}
		}

		_, err := chain.FundKeyset(active, 1_000)
		require.NoError(rt, err)

		dest, err := active.Address()
		require.NoError(rt, err)

		gen := sweep.NewGenerator(sweep.GeneratorConfig{
			Chain: chain,
			FeeEstimator: chainfee.NewStaticEstimator(
				feeRate, chainfee.FeePerKwFloor,
			),
		})
		plan, err := gen.Generate(
			context.Background(), keysets, active, dest,
		)
		require.NoError(rt, err)

		destScript, err := txscript.PayToAddrScript(dest)
		require.NoError(rt, err)

		var totalFee btcutil.Amount
		planned := make(map[string]bool)
		for _, s := range plan.Sweeps {
			id := s.Keyset.ID
			require.NotEqual(rt, active.ID, id)
			require.False(rt, planned[id])
			planned[id] = true

			require.Equal(rt, balances[id], s.Balance())
			require.Positive(rt, int64(s.Fee))
			require.Len(rt, s.Packet.UnsignedTx.TxIn, len(s.Inputs))
			require.Equal(
				rt, destScript,
				s.Packet.UnsignedTx.TxOut[0].PkScript,
			)
			totalFee += s.Fee
		}
		require.Equal(rt, totalFee, plan.TotalFee)
		require.Equal(rt, active.ID, plan.DestinationKeyset)

		for _, ks := range plan.Uneconomical {
			require.False(rt, planned[ks.ID])
			require.Positive(rt, int64(balances[ks.ID]))
		}

		// Every funded stale keyset is either swept or left behind
		// as uneconomical.
		require.Equal(
			rt, len(balances), len(plan.Sweeps)+
				len(plan.Uneconomical),
		)
		require.Equal(rt, plan.Empty(), len(plan.Sweeps) == 0)
	})
}

// movedWallet reports another keyset as active than the ledger.
type movedWallet struct {
	ledger.WalletClient

	active *keyset.SpendingKeyset
}

func (m *movedWallet) ActiveKeyset(context.Context,
	ledger.AccountID) (*keyset.SpendingKeyset, error) {

	return m.active, nil
}

// TestGateRescansCompletedSweep checks that a finished sweep does not hide
// funds that arrived on a stale keyset afterwards.
func TestGateRescansCompletedSweep(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	h.appKeyset(20_000)

	_, err := h.sweeper.Generate(h.ctx)
	require.NoError(t, err)
	require.NoError(t, h.sweeper.Confirm(h.ctx))
	require.IsType(t, &sweep.Complete{}, h.sweeper.State())

	ks := h.hardwareKeyset(15_000)

	pending, err := h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ks.ID, pending[0].ID)
	require.IsType(t, &sweep.PsbtsGenerated{}, h.sweeper.State())
}

// TestGateFollowsActiveKeyset checks that hardware signatures collected for
// a plan paying to a keyset that is no longer active are dropped in favor of
// a plan against the new active keyset.
func TestGateFollowsActiveKeyset(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	wallet := &movedWallet{WalletClient: h.ledger, active: h.active}
	sweeper := h.newSweeper(wallet)

	ks := h.hardwareKeyset(40_000)

	pending, err := sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, sweeper.Confirm(h.ctx))
	require.IsType(t, &sweep.AwaitingHardwareSignatures{}, sweeper.State())

	// While the destination is still active the collected plan stands.
	pending, err = sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.IsType(t, &sweep.AwaitingHardwareSignatures{}, sweeper.State())

	// A rotation leaves the old destination stale along with its funds.
	_, err = h.chain.FundKeyset(h.active, 25_000)
	require.NoError(t, err)
	next := h.fundedKeyset(newPub(t), 0)
	wallet.active = next

	pending, err = sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.IsType(t, &sweep.PsbtsGenerated{}, sweeper.State())
	require.Len(t, pending, 1)
	require.Equal(t, ks.ID, pending[0].ID)

	plan := sweeper.Plan().UnwrapOr(nil)
	require.NotNil(t, plan)
	require.Equal(t, next.ID, plan.DestinationKeyset)
	require.Len(t, plan.Sweeps, 2)

	_, ok := plan.ForKeyset(h.active.ID)
	require.True(t, ok)
}

// TestSweepOperationInProgress checks that signing and broadcasting are
// refused while another operation holds the account.
func TestSweepOperationInProgress(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ks := h.hardwareKeyset(30_000)

	_, err := h.sweeper.Generate(h.ctx)
	require.NoError(t, err)

	require.True(t, h.locks.TryLock(testAccount))

	err = h.sweeper.Confirm(h.ctx)
	require.ErrorIs(t, err, sweep.ErrOperationInProgress)
	require.IsType(t, &sweep.PsbtsGenerated{}, h.sweeper.State())

	// The gate stays readable for the holder of the lock.
	pending, err := h.sweeper.PendingHardwareSignatures(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.locks.Unlock(testAccount)
	require.NoError(t, h.sweeper.Confirm(h.ctx))

	plan := h.sweeper.Plan().UnwrapOr(nil)
	require.NotNil(t, plan)
	s, ok := plan.ForKeyset(ks.ID)
	require.True(t, ok)
	signed, err := h.device.SignPsbt(h.ctx, s.Packet)
	require.NoError(t, err)

	require.True(t, h.locks.TryLock(testAccount))

	err = h.sweeper.AddHardwareSignature(h.ctx, ks.ID, signed)
	require.ErrorIs(t, err, sweep.ErrOperationInProgress)
	err = h.sweeper.SignWithDevice(h.ctx, h.device)
	require.ErrorIs(t, err, sweep.ErrOperationInProgress)
	require.IsType(
		t, &sweep.AwaitingHardwareSignatures{}, h.sweeper.State(),
	)

	h.locks.Unlock(testAccount)
	require.NoError(t, h.sweeper.SignWithDevice(h.ctx, h.device))
	require.IsType(t, &sweep.Complete{}, h.sweeper.State())
	require.Zero(t, h.balance(ks))
}
