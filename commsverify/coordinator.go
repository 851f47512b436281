// Package commsverify drives the out-of-band verification sessions the ledger
// demands before sensitive actions. A session accepts exactly one correct
// code; the token it yields is attached to the retried action.
package commsverify

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/monitoring"
)

// DefaultConsumedCacheSize is the number of verified sessions remembered
// locally.
const DefaultConsumedCacheSize = 128

// Config holds the collaborators of a Coordinator.
type Config struct {
	// Account is the account the sessions belong to.
	Account ledger.AccountID

	// Client talks to the ledger.
	Client ledger.CommsClient

	// Clock is used to expire sessions locally.
	Clock clock.Clock

	// ConsumedCacheSize bounds the set of locally remembered verified
	// sessions.
	ConsumedCacheSize int

	// Metrics records verification outcomes. It may be nil.
	Metrics *monitoring.Metrics
}

// Coordinator sends and verifies codes for one account.
type Coordinator struct {
	cfg Config

	// consumed remembers verified sessions so a second verification is
	// rejected without a round trip.
	consumed *lru.Cache[string, struct{}]
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("comms client required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ConsumedCacheSize <= 0 {
		cfg.ConsumedCacheSize = DefaultConsumedCacheSize
	}

	consumed, err := lru.New[string, struct{}](cfg.ConsumedCacheSize)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:      cfg,
		consumed: consumed,
	}, nil
}

// precheck rejects sessions that are known to be unusable.
func (c *Coordinator) precheck(req *ledger.CommsVerificationRequirement) error {
	if c.consumed.Contains(req.SessionID) {
		return ledger.ErrAlreadyConsumed
	}

	if !c.cfg.Clock.Now().Before(req.ExpiresAt) {
		return ledger.ErrSessionExpired
	}

	return nil
}

// fail wraps err into a *VerificationError and records the outcome.
func (c *Coordinator) fail(req *ledger.CommsVerificationRequirement,
	err error) error {

	kind := classify(err)
	c.cfg.Metrics.CommsOutcome(kind.String())

	log.Debugf("Session %v for %v failed: %v", req.SessionID, req.Action,
		err)

	return &VerificationError{
		Kind:      kind,
		SessionID: req.SessionID,
		Err:       err,
	}
}

// SendCode asks the ledger to deliver a code for the session to the
// touchpoint. Sending again replaces the previous code.
func (c *Coordinator) SendCode(ctx context.Context,
	req *ledger.CommsVerificationRequirement, touchpointID string) error {

	if err := c.precheck(req); err != nil {
		return c.fail(req, err)
	}

	if !req.Eligible(touchpointID) {
		return c.fail(req, fmt.Errorf("%w: %v",
			ledger.ErrTouchpointNotEligible, touchpointID))
	}

	err := c.cfg.Client.SendVerificationCode(
		ctx, c.cfg.Account, req.SessionID, touchpointID,
	)
	if err != nil {
		return c.fail(req, err)
	}

	log.Infof("Sent %v verification code for session %v to "+
		"touchpoint %v", req.Action, req.SessionID, touchpointID)

	return nil
}

// VerifyCode checks the code and returns the single-use token. Only
// KindCodeMismatch failures leave the session usable for another attempt.
func (c *Coordinator) VerifyCode(ctx context.Context,
	req *ledger.CommsVerificationRequirement,
	code string) (*ledger.VerificationToken, error) {

	if err := c.precheck(req); err != nil {
		return nil, c.fail(req, err)
	}

	token, err := c.cfg.Client.VerifyCode(
		ctx, c.cfg.Account, req.SessionID, code,
	)
	if err != nil {
		return nil, c.fail(req, err)
	}

	c.consumed.Add(req.SessionID, struct{}{})
	c.cfg.Metrics.CommsOutcome("verified")

	log.Infof("Verified session %v for %v", req.SessionID, req.Action)

	return token, nil
}
