// Package recovery implements the Delay-and-Notify recovery coordinator. A
// surviving factor proposes replacement keys for a lost one; the ledger holds
// the proposal for a fixed delay during which the customer is notified and
// may cancel. Once the delay elapsed the coordinator commits the key rotation
// in a fixed sequence of resumable steps.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/lncfg"
	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/lightningnetwork/lnrecover/multimutex"
	"github.com/lightningnetwork/lnrecover/possession"
	"github.com/lightningnetwork/lnrecover/recoverydb"
)

// SweepGate reports the stale keysets that still need a hardware signed
// sweep. The auth keys are not rotated while the set is non-empty.
type SweepGate interface {
	// PendingHardwareSignatures returns the keysets waiting for the
	// hardware factor.
	PendingHardwareSignatures(
		ctx context.Context) ([]*keyset.SpendingKeyset, error)
}

// Client is the part of the ledger the coordinator talks to.
type Client interface {
	ledger.RecoveryClient
	ledger.RotationClient
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	// Account is the account the coordinator acts for.
	Account ledger.AccountID

	// Client talks to the ledger.
	Client Client

	// DB caches the last known event and journals rotation progress.
	DB *recoverydb.DB

	// Clock is used to check the delay and to time poll backoff.
	Clock clock.Clock

	// PollInterval is the interval between status polls of Observe.
	PollInterval time.Duration

	// MaxBackoff caps the delay between failed polls.
	MaxBackoff time.Duration

	// NewTicker creates the poll ticker of an observation.
	NewTicker func(time.Duration) ticker.Ticker

	// Ring holds the app factor's keys.
	Ring *keychain.KeyRing

	// AppAuthKey is the app factor's current auth key.
	AppAuthKey *btcec.PublicKey

	// Device reaches the hardware factor. It is only needed for the
	// rotation and for hardware possession proofs.
	Device keychain.HardwareDevice

	// SweepGate is consulted before the auth keys rotate. It may be nil
	// when there is nothing to sweep.
	SweepGate SweepGate

	// Metrics records recovery events. It may be nil.
	Metrics *monitoring.Metrics

	// Locks serializes mutating calls per account. Coordinators of one
	// session share it.
	Locks *multimutex.Mutex[ledger.AccountID]
}

// Coordinator drives the recovery of one account.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	appAuth *btcec.PublicKey
	tokens  fn.Option[ledger.AuthTokens]
	active  fn.Option[*keyset.SpendingKeyset]
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Client == nil:
		return nil, fmt.Errorf("ledger client required")

	case cfg.Ring == nil:
		return nil, fmt.Errorf("key ring required")

	case cfg.AppAuthKey == nil:
		return nil, fmt.Errorf("app auth key required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = lncfg.DefaultPollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = lncfg.DefaultMaxBackoff
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}
	if cfg.Locks == nil {
		cfg.Locks = multimutex.NewMutex[ledger.AccountID]()
	}

	return &Coordinator{
		cfg:     cfg,
		appAuth: cfg.AppAuthKey,
	}, nil
}

// AppAuthKey returns the app factor's current auth key. It changes once the
// rotation installed new auth keys.
func (c *Coordinator) AppAuthKey() *btcec.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.appAuth
}

// AuthTokens returns the tokens issued by the last completed rotation.
func (c *Coordinator) AuthTokens() fn.Option[ledger.AuthTokens] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tokens
}

// ActiveKeyset returns the keyset activated by the last rotation.
func (c *Coordinator) ActiveKeyset() fn.Option[*keyset.SpendingKeyset] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// acquire takes the account lock without blocking. The returned function
// releases it and invalidates the cached event.
func (c *Coordinator) acquire(op string) (func(), error) {
	if !c.cfg.Locks.TryLock(c.cfg.Account) {
		log.Debugf("Account %v: rejecting %v, operation in progress",
			c.cfg.Account, op)

		return nil, &Error{
			Kind: KindOperationInProgress,
			Err:  fmt.Errorf("%v rejected", op),
		}
	}

	return func() {
		c.invalidate()
		c.cfg.Locks.Unlock(c.cfg.Account)
	}, nil
}

// invalidate drops the cached event so the next read goes to the ledger.
func (c *Coordinator) invalidate() {
	if c.cfg.DB == nil {
		return
	}

	if err := c.cfg.DB.InvalidateEvent(c.cfg.Account); err != nil {
		log.Errorf("Account %v: unable to invalidate cached event: %v",
			c.cfg.Account, err)
	}
}

// PossessionChallenge fetches a fresh challenge a factor must sign to
// authorize the next request.
func (c *Coordinator) PossessionChallenge(ctx context.Context) ([]byte,
	error) {

	challenge, err := c.cfg.Client.PossessionChallenge(ctx, c.cfg.Account)
	if err != nil {
		return nil, wrapErr(err)
	}

	return challenge, nil
}

// Prove signs the challenge with the factor's current auth key.
func (c *Coordinator) Prove(ctx context.Context, factor keyset.Factor,
	challenge []byte) (*possession.Proof, error) {

	switch factor {
	case keyset.FactorApp:
		return c.cfg.Ring.ProvePossession(
			keyset.FactorApp, c.AppAuthKey(), challenge,
		)

	case keyset.FactorHardware:
		if c.cfg.Device == nil {
			return nil, fmt.Errorf("no hardware device available")
		}

		sig, err := c.cfg.Device.ProvePossession(ctx, challenge)
		if err != nil {
			return nil, fmt.Errorf("hardware proof failed: %w", err)
		}

		return possession.NewProof(
			keyset.FactorHardware, c.cfg.Device.AuthKey(), sig,
		), nil

	default:
		return nil, fmt.Errorf("unknown factor %v", factor)
	}
}

// Initiate starts a recovery replacing the lost factor. The request carries a
// proof by the surviving factor. When the ledger demands comms verification
// the returned error carries the requirement; the caller completes it and
// retries with the token attached.
func (c *Coordinator) Initiate(ctx context.Context,
	req *ledger.InitiateRequest) (*ledger.RecoveryEvent, error) {

	release, err := c.acquire("initiate")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := req.Destination.Validate(req.LostFactor); err != nil {
		return nil, wrapErr(err)
	}

	event, err := c.cfg.Client.InitiateRecovery(ctx, c.cfg.Account, req)
	if err != nil {
		rErr := wrapErr(err)
		if rErr.IsSecurityAlert() {
			log.Warnf("Account %v: initiate rejected proof: %v",
				c.cfg.Account, err)
		}

		return nil, rErr
	}

	c.cfg.Metrics.RecoveryInitiated()

	log.Infof("Account %v: initiated %v", c.cfg.Account, event)

	return event, nil
}

// Cancel cancels the active recovery. A cancel that races with a completed
// rotation fails with KindAlreadyCompleted.
func (c *Coordinator) Cancel(ctx context.Context,
	req *ledger.CancelRequest) error {

	release, err := c.acquire("cancel")
	if err != nil {
		return err
	}
	defer release()

	err = c.cfg.Client.CancelRecovery(ctx, c.cfg.Account, req)
	if err != nil {
		return wrapErr(err)
	}

	c.cfg.Metrics.RecoveryCanceled()

	log.Infof("Account %v: recovery canceled", c.cfg.Account)

	return nil
}

// fetch reads the authoritative event from the ledger and refreshes the
// cache.
func (c *Coordinator) fetch(
	ctx context.Context) (fn.Option[ledger.RecoveryEvent], error) {

	event, err := c.cfg.Client.RecoveryStatus(ctx, c.cfg.Account)
	if err != nil {
		return fn.None[ledger.RecoveryEvent](), err
	}

	if c.cfg.DB == nil {
		return event, nil
	}

	if event.IsNone() {
		c.invalidate()
		return event, nil
	}

	event.WhenSome(func(e ledger.RecoveryEvent) {
		if err := c.cfg.DB.PutEvent(e); err != nil {
			log.Errorf("Account %v: unable to cache event: %v",
				c.cfg.Account, err)
		}
	})

	return event, nil
}

// Status returns the recovery event of the account. Only a pending event
// whose delay still runs is served from the cache. Terminal events are always
// re-fetched since another device may have started a new recovery since.
func (c *Coordinator) Status(
	ctx context.Context) (fn.Option[ledger.RecoveryEvent], error) {

	if c.cfg.DB != nil {
		cached, err := c.cfg.DB.FetchEvent(c.cfg.Account)
		if err != nil {
			log.Warnf("Account %v: unable to read cached event: %v",
				c.cfg.Account, err)
		}

		now := c.cfg.Clock.Now()
		fresh := fn.MapOptionZ(cached, func(e ledger.RecoveryEvent) bool {
			return e.Status == ledger.StatusPending &&
				!e.DelayElapsed(now)
		})
		if err == nil && fresh {
			return cached, nil
		}
	}

	event, err := c.fetch(ctx)
	if err != nil {
		return event, wrapErr(err)
	}

	return event, nil
}
