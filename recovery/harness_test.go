package recovery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/ledger/memledger"
	"github.com/lightningnetwork/lnrecover/multimutex"
	"github.com/lightningnetwork/lnrecover/recovery"
	"github.com/lightningnetwork/lnrecover/recoverydb"
	"github.com/stretchr/testify/require"
)

const testAccount = ledger.AccountID("acct")

var testTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

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

func (n *notifier) code(id string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.codes[id]
}

// fakeGate reports a fixed set of keysets as waiting for hardware
// signatures.
type fakeGate struct {
	mu      sync.Mutex
	pending []*keyset.SpendingKeyset
	calls   int
}

func (g *fakeGate) PendingHardwareSignatures(
	context.Context) ([]*keyset.SpendingKeyset, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++

	return g.pending, nil
}

func (g *fakeGate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending = nil
}

type harnessConfig struct {
	gated bool
	delay time.Duration
	clock *clock.TestClock
	db    *recoverydb.DB
	gate  recovery.SweepGate
}

type harness struct {
	t         require.TestingT
	ctx       context.Context
	clock     *clock.TestClock
	notifier  *notifier
	ledger    *memledger.Ledger
	db        *recoverydb.DB
	ring      *keychain.KeyRing
	appAuth   *btcec.PublicKey
	newDevice *keychain.SoftwareDevice
	force     *ticker.Force
	locks     *multimutex.Mutex[ledger.AccountID]
	coord     *recovery.Coordinator
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

func newHarness(t require.TestingT, hcfg harnessConfig) *harness {
	n := &notifier{codes: make(map[string]string)}

	testClock := hcfg.clock
	if testClock == nil {
		testClock = clock.NewTestClock(testTime)
	}

	cfg := memledger.DefaultConfig(n)
	cfg.Clock = testClock
	cfg.RequireComms = map[ledger.Action]bool{
		ledger.ActionInitiate: hcfg.gated,
		ledger.ActionCancel:   hcfg.gated,
	}
	if hcfg.delay > 0 {
		cfg.Delay = hcfg.delay
	}

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

	_, err = l.CreateAccount(memledger.AccountParams{
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

	force := ticker.NewForce(time.Hour)
	locks := multimutex.NewMutex[ledger.AccountID]()

	coord, err := recovery.New(recovery.Config{
		Account:      testAccount,
		Client:       l,
		DB:           hcfg.db,
		Clock:        testClock,
		PollInterval: time.Minute,
		MaxBackoff:   3 * time.Minute,
		NewTicker: func(time.Duration) ticker.Ticker {
			return force
		},
		Ring:       ring,
		AppAuthKey: appAuth.PubKey,
		Device:     newDevice,
		SweepGate:  hcfg.gate,
		Locks:      locks,
	})
	require.NoError(t, err)

	return &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     testClock,
		notifier:  n,
		ledger:    l,
		db:        hcfg.db,
		ring:      ring,
		appAuth:   appAuth.PubKey,
		newDevice: newDevice,
		force:     force,
		locks:     locks,
		coord:     coord,
	}
}

// otherDevice creates a second coordinator for the account, as run by another
// installation holding the same keys. It has its own locks and cache.
func (h *harness) otherDevice(db *recoverydb.DB) *recovery.Coordinator {
	coord, err := recovery.New(recovery.Config{
		Account:    testAccount,
		Client:     h.ledger,
		DB:         db,
		Clock:      h.clock,
		Ring:       h.ring,
		AppAuthKey: h.appAuth,
		Device:     h.newDevice,
	})
	require.NoError(h.t, err)

	return coord
}

// lostHardwareRequest builds an initiate request replacing the hardware
// factor with the new device, signed by the app.
func (h *harness) lostHardwareRequest() *ledger.InitiateRequest {
	challenge, err := h.coord.PossessionChallenge(h.ctx)
	require.NoError(h.t, err)

	proof, err := h.coord.Prove(h.ctx, keyset.FactorApp, challenge)
	require.NoError(h.t, err)

	return &ledger.InitiateRequest{
		LostFactor: keyset.FactorHardware,
		Destination: ledger.ProposedKeys{
			HardwareAuthKey:     h.newDevice.AuthKey(),
			HardwareSpendingKey: h.newDevice.SpendingKey(),
		},
		Challenge: challenge,
		Proof:     proof,
	}
}

// initiate starts a lost hardware recovery.
func (h *harness) initiate() *ledger.RecoveryEvent {
	event, err := h.coord.Initiate(h.ctx, h.lostHardwareRequest())
	require.NoError(h.t, err)

	return event
}

// cancelRequest builds a cancel request signed by the app.
func (h *harness) cancelRequest() *ledger.CancelRequest {
	challenge, err := h.coord.PossessionChallenge(h.ctx)
	require.NoError(h.t, err)

	proof, err := h.coord.Prove(h.ctx, keyset.FactorApp, challenge)
	require.NoError(h.t, err)

	return &ledger.CancelRequest{
		Challenge: challenge,
		Proof:     fn.Some(proof),
	}
}

// advance moves the shared clock forward.
func (h *harness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

// requireKind asserts err is a *recovery.Error of the given kind.
func requireKind(t require.TestingT, err error,
	kind recovery.ErrorKind) *recovery.Error {

	rErr, ok := recovery.AsError(err)
	require.Truef(t, ok, "expected *recovery.Error, got %v", err)
	require.Equal(t, kind, rErr.Kind, "error: %v", err)

	return rErr
}
