package lnrecover_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnrecover"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/chainsim"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/ledger/memledger"
	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/lightningnetwork/lnrecover/multimutex"
	"github.com/lightningnetwork/lnrecover/recovery"
	"github.com/lightningnetwork/lnrecover/recoverydb"
	"github.com/lightningnetwork/lnrecover/risk"
	"github.com/lightningnetwork/lnrecover/socialrec"
	"github.com/lightningnetwork/lnrecover/sweep"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = ledger.AccountID("satoshi")

	recoveryDelay = 7 * 24 * time.Hour
)

var testTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type notifier struct {
	mu    sync.Mutex
	codes map[string]string
}

func (n *notifier) Send(_ context.Context, tp ledger.Touchpoint,
	code string) error {

	n.mu.Lock()
	defer n.mu.Unlock()

	n.codes[tp.ID] = code

	return nil
}

// prompt reads back the last code delivered to the touchpoint.
func (n *notifier) prompt(_ context.Context, tp ledger.Touchpoint,
	_ int) (string, error) {

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.codes[tp.ID], nil
}

type scenario struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock.TestClock
	notifier  *notifier
	ledger    *memledger.Ledger
	chain     *chainsim.Chain
	ring      *keychain.KeyRing
	appAuth   *btcec.PublicKey
	oldDevice *keychain.SoftwareDevice
	newDevice *keychain.SoftwareDevice
	original  *keyset.SpendingKeyset
}

func newScenario(t *testing.T) *scenario {
	t.Helper()

	n := &notifier{codes: make(map[string]string)}
	testClock := clock.NewTestClock(testTime)

	cfg := memledger.DefaultConfig(n)
	cfg.Clock = testClock
	cfg.Delay = recoveryDelay

	l, err := memledger.New(cfg)
	require.NoError(t, err)

	ring := keychain.NewKeyRing()
	appAuth, err := ring.DeriveNextKey(keychain.KeyFamilyAuth)
	require.NoError(t, err)
	appSpend, err := ring.DeriveNextKey(keychain.KeyFamilySpending)
	require.NoError(t, err)

	oldDevice, err := keychain.NewSoftwareDevice()
	require.NoError(t, err)
	newDevice, err := keychain.NewSoftwareDevice()
	require.NoError(t, err)

	original, err := l.CreateAccount(memledger.AccountParams{
		ID:                  testAccount,
		AppAuthKey:          appAuth.PubKey,
		HardwareAuthKey:     oldDevice.AuthKey(),
		AppSpendingKey:      appSpend.PubKey,
		HardwareSpendingKey: oldDevice.SpendingKey(),
		Touchpoints: []ledger.Touchpoint{{
			ID:      "email",
			Kind:    ledger.TouchpointEmail,
			Address: "satoshi@example.com",
		}},
	})
	require.NoError(t, err)

	return &scenario{
		t:         t,
		ctx:       context.Background(),
		clock:     testClock,
		notifier:  n,
		ledger:    l,
		chain:     chainsim.New(),
		ring:      ring,
		appAuth:   appAuth.PubKey,
		oldDevice: oldDevice,
		newDevice: newDevice,
		original:  original,
	}
}

func newTestDB(t *testing.T) *recoverydb.DB {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "recovery")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	db, err := recoverydb.New(backend)
	require.NoError(t, err)

	return db
}

// session creates and starts a session using the given device as the
// account's hardware factor.
func (s *scenario) session(device keychain.HardwareDevice,
	hwRequired func(*keyset.SpendingKeyset) bool,
	inputs risk.Inputs) *lnrecover.AccountSession {

	return s.lockedSession(device, hwRequired, inputs, nil)
}

// lockedSession is like session but shares the given account locks.
func (s *scenario) lockedSession(device keychain.HardwareDevice,
	hwRequired func(*keyset.SpendingKeyset) bool, inputs risk.Inputs,
	locks *multimutex.Mutex[ledger.AccountID]) *lnrecover.AccountSession {

	sess, err := lnrecover.NewAccountSession(lnrecover.SessionConfig{
		Account: testAccount,
		Ledger:  s.ledger,
		Chain:   s.chain,
		FeeEstimator: chainfee.NewStaticEstimator(
			chainfee.FeePerKwFloor, chainfee.FeePerKwFloor,
		),
		DB:               newTestDB(s.t),
		Clock:            s.clock,
		Ring:             s.ring,
		AppAuthKey:       s.appAuth,
		Device:           device,
		HardwareRequired: hwRequired,
		RiskInputs:       inputs,
		Metrics:          monitoring.NewMetrics(),
		Locks:            locks,
	})
	require.NoError(s.t, err)

	require.NoError(s.t, sess.Start(s.ctx))
	s.t.Cleanup(func() {
		require.NoError(s.t, sess.Stop())
	})

	return sess
}

func (s *scenario) balance(ks *keyset.SpendingKeyset) btcutil.Amount {
	amt, err := s.chain.KeysetBalance(ks)
	require.NoError(s.t, err)

	return amt
}

// enrollContact enrolls one trusted contact and returns its identity.
func (s *scenario) enrollContact(sess *lnrecover.AccountSession,
	enrollment *lnrecover.SocialEnrollment, id string) *socialrec.KeyPair {

	identity, err := socialrec.GenerateKeyPair()
	require.NoError(s.t, err)

	require.NoError(s.t, sess.AddTrustedContact(
		s.ctx, enrollment, id, "contact "+id, identity.Public,
	))

	return identity
}

// TestLostHardwareScenario walks the full lost hardware recovery: a comms
// gated initiation, the seven day delay, the hardware signed sweep of the
// stale keyset and the rotation.
func TestLostHardwareScenario(t *testing.T) {
	t.Parallel()

	s := newScenario(t)

	_, err := s.chain.FundKeyset(s.original, 5_000)
	require.NoError(t, err)

	// Every keyset other than the replacement is treated as depending on
	// the hardware key its funds were locked to.
	hwRequired := func(ks *keyset.SpendingKeyset) bool {
		return !ks.HasKey(s.newDevice.SpendingKey())
	}
	sess := s.session(s.newDevice, hwRequired, risk.Inputs{
		AccountActive:          true,
		HardwarePresent:        false,
		MobileKeyBackup:        risk.BackupHealthy,
		EmergencyKeyBackup:     risk.BackupHealthy,
		ContactMethodsComplete: true,
	})
	require.Equal(t, risk.AtRisk{Cause: risk.CauseMissingHardware},
		sess.Risk.Level())

	recoveryKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	enrollment, err := sess.EnrollSocialRecovery(s.ctx, recoveryKey)
	require.NoError(t, err)
	s.enrollContact(sess, enrollment, "alice")

	challenge, err := sess.Recovery.PossessionChallenge(s.ctx)
	require.NoError(t, err)
	proof, err := sess.Recovery.Prove(s.ctx, keyset.FactorApp, challenge)
	require.NoError(t, err)

	event, err := sess.Initiate(s.ctx, &ledger.InitiateRequest{
		LostFactor: keyset.FactorHardware,
		Destination: ledger.ProposedKeys{
			HardwareAuthKey:     s.newDevice.AuthKey(),
			HardwareSpendingKey: s.newDevice.SpendingKey(),
		},
		Challenge: challenge,
		Proof:     proof,
	}, s.notifier.prompt)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, event.Status)
	require.Equal(t, recoveryDelay, event.DelayEndsAt.Sub(event.StartedAt))

	err = sess.CompleteRecovery(s.ctx)
	rErr, ok := recovery.AsError(err)
	require.True(t, ok)
	require.Equal(t, recovery.KindDelayNotElapsed, rErr.Kind)

	s.clock.SetTime(event.DelayEndsAt)

	// The rotation stops before the auth keys change until the stale
	// keyset has been swept with the hardware signature.
	err = sess.CompleteRecovery(s.ctx)
	rErr, ok = recovery.AsError(err)
	require.True(t, ok, "unexpected error: %v", err)
	require.Equal(t, recovery.KindHardwareSignaturesRequired, rErr.Kind)
	require.Equal(t, fn.Some(recovery.StepRotateAuthKeys), rErr.Step)
	require.Len(t, rErr.Keysets, 1)
	require.Equal(t, s.original.ID, rErr.Keysets[0].ID)

	keys, err := s.ledger.AuthKeys(testAccount)
	require.NoError(t, err)
	require.True(t, keys.Hardware.IsEqual(s.oldDevice.AuthKey()))

	state, err := sess.SweepWithDevice(s.ctx, s.oldDevice)
	require.NoError(t, err)
	require.IsType(t, &sweep.Complete{}, state)
	plan := sess.Sweeper.Plan().UnwrapOrFail(t)

	require.NoError(t, sess.CompleteRecovery(s.ctx))

	keys, err = s.ledger.AuthKeys(testAccount)
	require.NoError(t, err)
	require.True(t, keys.Hardware.IsEqual(s.newDevice.AuthKey()))
	require.True(t, keys.App.IsEqual(s.appAuth))

	active := sess.Recovery.ActiveKeyset().UnwrapOrFail(t)
	require.True(t, active.HasKey(s.newDevice.SpendingKey()))

	require.Len(t, plan.Sweeps, 1)
	require.Zero(t, s.balance(s.original))
	require.Equal(t, 5_000-plan.TotalFee, s.balance(active))

	// The contact enrolled before a non-social recovery keeps its
	// relationship and is endorsed by the app auth key.
	endorsements, err := s.ledger.Endorsements(testAccount)
	require.NoError(t, err)
	require.Len(t, endorsements, 1)
	require.Equal(t, "alice", endorsements[0].ContactID)

	require.Equal(t, risk.Protected{}, sess.Risk.Level())

	status, err := sess.Recovery.Status(s.ctx)
	require.NoError(t, err)
	require.Equal(t, recovery.StateCompleted, recovery.StateOf(status))
}

// initiateLostHardware starts a lost hardware recovery towards the new
// device and moves the clock past its delay.
func (s *scenario) initiateLostHardware(sess *lnrecover.AccountSession) {
	challenge, err := sess.Recovery.PossessionChallenge(s.ctx)
	require.NoError(s.t, err)
	proof, err := sess.Recovery.Prove(s.ctx, keyset.FactorApp, challenge)
	require.NoError(s.t, err)

	event, err := sess.Initiate(s.ctx, &ledger.InitiateRequest{
		LostFactor: keyset.FactorHardware,
		Destination: ledger.ProposedKeys{
			HardwareAuthKey:     s.newDevice.AuthKey(),
			HardwareSpendingKey: s.newDevice.SpendingKey(),
		},
		Challenge: challenge,
		Proof:     proof,
	}, s.notifier.prompt)
	require.NoError(s.t, err)

	s.clock.SetTime(event.DelayEndsAt)
}

// TestSweepGateAfterEarlierSweep asserts that a sweep completed before the
// recovery does not open the gate for the keyset the rotation deactivates.
func TestSweepGateAfterEarlierSweep(t *testing.T) {
	t.Parallel()

	s := newScenario(t)

	appSpend, err := s.ring.DeriveNextKey(keychain.KeyFamilySpending)
	require.NoError(t, err)
	earlier, err := s.ledger.AddKeyset(
		testAccount, appSpend.PubKey, s.oldDevice.SpendingKey(),
	)
	require.NoError(t, err)
	_, err = s.chain.FundKeyset(earlier, 3_000)
	require.NoError(t, err)

	hwRequired := func(ks *keyset.SpendingKeyset) bool {
		return !ks.HasKey(s.newDevice.SpendingKey())
	}
	sess := s.session(s.newDevice, hwRequired, risk.Inputs{})

	// The earlier keyset is drained into the original one while the old
	// device is still around.
	state, err := sess.SweepWithDevice(s.ctx, s.oldDevice)
	require.NoError(t, err)
	require.IsType(t, &sweep.Complete{}, state)
	require.Zero(t, s.balance(earlier))

	swept := s.balance(s.original)
	require.Positive(t, swept)

	s.initiateLostHardware(sess)

	// The rotation deactivated the original keyset, so its funds now
	// need the old device.
	err = sess.CompleteRecovery(s.ctx)
	rErr, ok := recovery.AsError(err)
	require.True(t, ok, "unexpected error: %v", err)
	require.Equal(t, recovery.KindHardwareSignaturesRequired, rErr.Kind)
	require.Len(t, rErr.Keysets, 1)
	require.Equal(t, s.original.ID, rErr.Keysets[0].ID)

	keys, err := s.ledger.AuthKeys(testAccount)
	require.NoError(t, err)
	require.True(t, keys.Hardware.IsEqual(s.oldDevice.AuthKey()))
	require.Equal(t, swept, s.balance(s.original))

	state, err = sess.SweepWithDevice(s.ctx, s.oldDevice)
	require.NoError(t, err)
	require.IsType(t, &sweep.Complete{}, state)

	require.NoError(t, sess.CompleteRecovery(s.ctx))

	keys, err = s.ledger.AuthKeys(testAccount)
	require.NoError(t, err)
	require.True(t, keys.Hardware.IsEqual(s.newDevice.AuthKey()))
	require.Zero(t, s.balance(s.original))
}

// TestSessionSharesAccountLock checks that sweeps, social recovery and the
// recovery lifecycle exclude each other through the account lock.
func TestSessionSharesAccountLock(t *testing.T) {
	t.Parallel()

	s := newScenario(t)

	appSpend, err := s.ring.DeriveNextKey(keychain.KeyFamilySpending)
	require.NoError(t, err)
	stale, err := s.ledger.AddKeyset(
		testAccount, appSpend.PubKey, s.oldDevice.SpendingKey(),
	)
	require.NoError(t, err)
	_, err = s.chain.FundKeyset(stale, 10_000)
	require.NoError(t, err)

	locks := multimutex.NewMutex[ledger.AccountID]()
	sess := s.lockedSession(s.oldDevice, nil, risk.Inputs{}, locks)

	recoveryKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	enrollment, err := sess.EnrollSocialRecovery(s.ctx, recoveryKey)
	require.NoError(t, err)
	s.enrollContact(sess, enrollment, "alice")

	require.True(t, locks.TryLock(testAccount))

	_, err = sess.SweepWithDevice(s.ctx, s.oldDevice)
	require.ErrorIs(t, err, sweep.ErrOperationInProgress)
	require.IsType(t, &sweep.PsbtsGenerated{}, sess.Sweeper.State())

	_, err = sess.StartSocialChallenge(s.ctx, enrollment)
	require.ErrorIs(t, err, socialrec.ErrOperationInProgress)

	err = sess.CompleteRecovery(s.ctx)
	rErr, ok := recovery.AsError(err)
	require.True(t, ok, "unexpected error: %v", err)
	require.Equal(t, recovery.KindOperationInProgress, rErr.Kind)

	locks.Unlock(testAccount)

	state, err := sess.SweepWithDevice(s.ctx, s.oldDevice)
	require.NoError(t, err)
	require.IsType(t, &sweep.Complete{}, state)
	require.Zero(t, s.balance(stale))

	_, err = sess.StartSocialChallenge(s.ctx, enrollment)
	require.NoError(t, err)
}

// TestCancelWithComms checks a gated cancel is verified through the prompt.
func TestCancelWithComms(t *testing.T) {
	t.Parallel()

	s := newScenario(t)
	sess := s.session(s.newDevice, nil, risk.Inputs{})

	challenge, err := sess.Recovery.PossessionChallenge(s.ctx)
	require.NoError(t, err)
	proof, err := sess.Recovery.Prove(s.ctx, keyset.FactorApp, challenge)
	require.NoError(t, err)

	_, err = sess.Initiate(s.ctx, &ledger.InitiateRequest{
		LostFactor: keyset.FactorHardware,
		Destination: ledger.ProposedKeys{
			HardwareAuthKey:     s.newDevice.AuthKey(),
			HardwareSpendingKey: s.newDevice.SpendingKey(),
		},
		Challenge: challenge,
		Proof:     proof,
	}, s.notifier.prompt)
	require.NoError(t, err)

	// Without a prompt the gating error is surfaced as is.
	challenge, err = sess.Recovery.PossessionChallenge(s.ctx)
	require.NoError(t, err)
	err = sess.Cancel(s.ctx, &ledger.CancelRequest{
		Challenge: challenge,
	}, nil)
	rErr, ok := recovery.AsError(err)
	require.True(t, ok)
	require.Equal(t, recovery.KindCommsVerificationRequired, rErr.Kind)
	require.Equal(t, recovery.CategoryGating, rErr.Category())

	challenge, err = sess.Recovery.PossessionChallenge(s.ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Cancel(s.ctx, &ledger.CancelRequest{
		Challenge: challenge,
	}, s.notifier.prompt))

	status, err := sess.Recovery.Status(s.ctx)
	require.NoError(t, err)
	require.Equal(t, recovery.StateCanceled, recovery.StateOf(status))
}

// TestSocialQuorum checks a socially recovered key authorizes a lost app
// recovery only once enough contacts responded.
func TestSocialQuorum(t *testing.T) {
	t.Parallel()

	s := newScenario(t)

	// The new phone holds fresh app keys; the old hardware survives.
	newApp, err := s.ring.DeriveNextKey(keychain.KeyFamilyAuth)
	require.NoError(t, err)
	newSpend, err := s.ring.DeriveNextKey(keychain.KeyFamilySpending)
	require.NoError(t, err)

	sess := s.session(s.oldDevice, nil, risk.Inputs{})

	recoveryKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	enrollment, err := sess.EnrollSocialRecovery(s.ctx, recoveryKey)
	require.NoError(t, err)

	alice := s.enrollContact(sess, enrollment, "alice")
	s.enrollContact(sess, enrollment, "bob")

	challenge, err := sess.StartSocialChallenge(s.ctx, enrollment)
	require.NoError(t, err)
	require.Len(t, challenge.Contacts, 2)

	outcome, err := sess.Social.VerifyChallenge(
		s.ctx, "alice", challenge.Code,
	)
	require.NoError(t, err)
	resp, err := socialrec.Respond(alice, "alice", outcome, challenge.Code)
	require.NoError(t, err)
	require.NoError(t, sess.Social.RespondToChallenge(s.ctx, resp))

	_, err = sess.RecoverWithSocialQuorum(s.ctx, challenge.ID, 2)
	require.ErrorIs(t, err, lnrecover.ErrQuorumNotReached)

	// The configured minimum of one response is enough.
	attestation, err := sess.RecoverWithSocialQuorum(
		s.ctx, challenge.ID, 0,
	)
	require.NoError(t, err)
	require.Equal(t, challenge.ID, attestation.ChallengeID)

	possessionChallenge, err := sess.Recovery.PossessionChallenge(s.ctx)
	require.NoError(t, err)
	proof, err := sess.Recovery.Prove(
		s.ctx, keyset.FactorHardware, possessionChallenge,
	)
	require.NoError(t, err)

	// The attestation replaces comms verification, so no prompt is
	// needed.
	event, err := sess.Initiate(s.ctx, &ledger.InitiateRequest{
		LostFactor: keyset.FactorApp,
		Destination: ledger.ProposedKeys{
			AppAuthKey:     newApp.PubKey,
			AppSpendingKey: newSpend.PubKey,
		},
		Challenge: possessionChallenge,
		Proof:     proof,
		Social:    fn.Some(attestation),
	}, nil)
	require.NoError(t, err)
	require.True(t, event.SocialRecovery)

	// Both contacts were enrolled before the recovery started and are
	// stale once it completes.
	contacts, err := s.ledger.TrustedContacts(s.ctx, testAccount)
	require.NoError(t, err)
	for i := range contacts {
		require.True(t, recovery.StaleContact(event, &contacts[i]))
	}
}
