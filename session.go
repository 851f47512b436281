// Package lnrecover wires the recovery coordinators of one account into an
// AccountSession. A session is the only handle the CLI and tests use; there
// is no process wide recovery state.
package lnrecover

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/commsverify"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/lightningnetwork/lnrecover/multimutex"
	"github.com/lightningnetwork/lnrecover/possession"
	"github.com/lightningnetwork/lnrecover/recovery"
	"github.com/lightningnetwork/lnrecover/recoverydb"
	"github.com/lightningnetwork/lnrecover/risk"
	"github.com/lightningnetwork/lnrecover/socialrec"
	"github.com/lightningnetwork/lnrecover/sweep"
)

const (
	// maxCodeAttempts is the number of times a mismatching comms code may
	// be re-entered before the session gives up.
	maxCodeAttempts = 3
)

var (
	// ErrQuorumNotReached is returned when a social challenge has fewer
	// valid responses than the configured minimum.
	ErrQuorumNotReached = errors.New("social recovery quorum not reached")

	// ErrNoEligibleTouchpoint is returned when a comms requirement lists
	// no touchpoint the code can be sent to.
	ErrNoEligibleTouchpoint = errors.New("no eligible touchpoint")

	// ErrInvalidRecoveryKey is returned when socially recovered material
	// is not a private key.
	ErrInvalidRecoveryKey = errors.New("recovered material is not a key")
)

// Ledger is the remote recovery ledger as seen by one account session.
type Ledger interface {
	ledger.RecoveryClient
	ledger.RotationClient
	ledger.CommsClient
	ledger.SocialClient
	ledger.WalletClient
}

// CodePrompt returns the code the customer received on the touchpoint.
type CodePrompt func(ctx context.Context, touchpoint ledger.Touchpoint,
	attempt int) (string, error)

// SessionConfig holds the collaborators of an AccountSession.
type SessionConfig struct {
	// Cfg holds the tuning options. DefaultConfig is used when nil.
	Cfg *Config

	// Account is the account the session acts for.
	Account ledger.AccountID

	// Ledger is the remote recovery ledger.
	Ledger Ledger

	// Chain is queried for balances and publishes sweeps.
	Chain sweep.ChainBackend

	// FeeEstimator prices the sweeps.
	FeeEstimator chainfee.Estimator

	// DB caches the last known event and journals rotations. It may be
	// nil.
	DB *recoverydb.DB

	// Clock is shared by every coordinator.
	Clock clock.Clock

	// Ring holds the app's keys.
	Ring *keychain.KeyRing

	// AppAuthKey is the current app auth key.
	AppAuthKey *btcec.PublicKey

	// Device is the hardware device that replaces a lost one. It may be
	// nil.
	Device keychain.HardwareDevice

	// HardwareRequired overrides which stale keysets need a hardware
	// signed sweep.
	HardwareRequired func(*keyset.SpendingKeyset) bool

	// RiskInputs are the initial inputs of the risk evaluator.
	RiskInputs risk.Inputs

	// Metrics records the session's metrics. It may be nil.
	Metrics *monitoring.Metrics

	// Locks is shared by every session of the process so two sessions of
	// the same account cannot mutate concurrently.
	Locks *multimutex.Mutex[ledger.AccountID]
}

// AccountSession groups the coordinators of one account.
type AccountSession struct {
	cfg SessionConfig

	// Recovery drives the Delay and Notify lifecycle.
	Recovery *recovery.Coordinator

	// Comms verifies out-of-band codes.
	Comms *commsverify.Coordinator

	// Social drives social recovery challenges.
	Social *socialrec.Coordinator

	// Sweeper drains stale keysets.
	Sweeper *sweep.Sweeper

	// Risk classifies whether funds could be lost.
	Risk *risk.Evaluator
}

// NewAccountSession creates the coordinators of one account.
func NewAccountSession(cfg SessionConfig) (*AccountSession, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if cfg.Cfg == nil {
		defaults := DefaultConfig()
		cfg.Cfg = &defaults
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Locks == nil {
		cfg.Locks = multimutex.NewMutex[ledger.AccountID]()
	}

	sweeper := sweep.New(sweep.Config{
		Account:          cfg.Account,
		Wallet:           cfg.Ledger,
		Ring:             cfg.Ring,
		Chain:            cfg.Chain,
		FeeEstimator:     cfg.FeeEstimator,
		ConfTarget:       cfg.Cfg.Sweeper.ConfTarget,
		MaxFeeRate:       cfg.Cfg.Sweeper.MaxFeeRate.FeePerKWeight(),
		Workers:          cfg.Cfg.Sweeper.BalanceWorkers,
		Label:            cfg.Cfg.Sweeper.Label,
		HardwareRequired: cfg.HardwareRequired,
		Metrics:          cfg.Metrics,
		Locks:            cfg.Locks,
	})

	coord, err := recovery.New(recovery.Config{
		Account:      cfg.Account,
		Client:       cfg.Ledger,
		DB:           cfg.DB,
		Clock:        cfg.Clock,
		PollInterval: cfg.Cfg.Recovery.PollInterval,
		MaxBackoff:   cfg.Cfg.Recovery.MaxBackoff,
		Ring:         cfg.Ring,
		AppAuthKey:   cfg.AppAuthKey,
		Device:       cfg.Device,
		SweepGate:    sweeper,
		Metrics:      cfg.Metrics,
		Locks:        cfg.Locks,
	})
	if err != nil {
		return nil, err
	}

	comms, err := commsverify.New(commsverify.Config{
		Account:           cfg.Account,
		Client:            cfg.Ledger,
		Clock:             cfg.Clock,
		ConsumedCacheSize: cfg.Cfg.Comms.ConsumedSessionCache,
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &AccountSession{
		cfg:      cfg,
		Recovery: coord,
		Comms:    comms,
		Social: socialrec.NewCoordinator(socialrec.Config{
			Account: cfg.Account,
			Client:  cfg.Ledger,
			Clock:   cfg.Clock,
			Locks:   cfg.Locks,
		}),
		Sweeper: sweeper,
		Risk:    risk.NewEvaluator(cfg.RiskInputs, cfg.Metrics),
	}, nil
}

// Start starts the sweeper and the risk evaluator.
func (s *AccountSession) Start(ctx context.Context) error {
	if err := s.Sweeper.Start(ctx); err != nil {
		return err
	}

	if err := s.Risk.Start(); err != nil {
		s.Sweeper.Stop()
		return err
	}

	log.Infof("Started session for account %v", s.cfg.Account)

	return nil
}

// Stop stops the sweeper and the risk evaluator.
func (s *AccountSession) Stop() error {
	s.Sweeper.Stop()

	return s.Risk.Stop()
}

// verifyComms runs a comms verification session to completion and returns
// the token. Mismatching codes are re-entered up to maxCodeAttempts times.
func (s *AccountSession) verifyComms(ctx context.Context,
	req *ledger.CommsVerificationRequirement,
	prompt CodePrompt) (ledger.VerificationToken, error) {

	var zero ledger.VerificationToken

	if len(req.Touchpoints) == 0 {
		return zero, ErrNoEligibleTouchpoint
	}
	touchpoint := req.Touchpoints[0]

	if err := s.Comms.SendCode(ctx, req, touchpoint.ID); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := prompt(ctx, touchpoint, attempt)
		if err != nil {
			return zero, err
		}

		token, err := s.Comms.VerifyCode(ctx, req, code)
		if err == nil {
			return *token, nil
		}
		lastErr = err

		verr, ok := commsverify.AsVerificationError(err)
		if !ok || verr.Kind != commsverify.KindCodeMismatch {
			return zero, err
		}

		log.Debugf("Account %v: code attempt %d for %v rejected",
			s.cfg.Account, attempt, req.Action)
	}

	return zero, lastErr
}

// Initiate starts a recovery. If the ledger demands comms verification the
// code is sent to the first touchpoint, read through the prompt and the
// request is retried with the token.
func (s *AccountSession) Initiate(ctx context.Context,
	req *ledger.InitiateRequest,
	prompt CodePrompt) (*ledger.RecoveryEvent, error) {

	event, err := s.Recovery.Initiate(ctx, req)
	if err == nil || prompt == nil {
		return event, err
	}

	rErr, ok := recovery.AsError(err)
	if !ok || rErr.Kind != recovery.KindCommsVerificationRequired {
		return nil, err
	}

	token, err := s.verifyComms(ctx, rErr.Requirement, prompt)
	if err != nil {
		return nil, err
	}

	// The possession challenge was not consumed by the gated attempt, so
	// the same proof is sent again.
	retry := *req
	retry.Token = fn.Some(token)

	return s.Recovery.Initiate(ctx, &retry)
}

// Cancel cancels the active recovery, running comms verification when the
// ledger demands it.
func (s *AccountSession) Cancel(ctx context.Context, req *ledger.CancelRequest,
	prompt CodePrompt) error {

	err := s.Recovery.Cancel(ctx, req)
	if err == nil || prompt == nil {
		return err
	}

	rErr, ok := recovery.AsError(err)
	if !ok || rErr.Kind != recovery.KindCommsVerificationRequired {
		return err
	}

	token, err := s.verifyComms(ctx, rErr.Requirement, prompt)
	if err != nil {
		return err
	}

	retry := *req
	retry.Token = fn.Some(token)

	return s.Recovery.Cancel(ctx, &retry)
}

// CompleteRecovery completes the rotation of a recovery whose delay elapsed
// and marks the hardware factor present again. A
// KindHardwareSignaturesRequired error means SweepWithDevice must run first.
func (s *AccountSession) CompleteRecovery(ctx context.Context) error {
	if err := s.Recovery.CompleteRotation(ctx); err != nil {
		return err
	}

	if s.cfg.Device != nil {
		if _, err := s.Risk.SetHardwarePresent(true); err != nil {
			return err
		}
	}

	return nil
}

// SweepWithDevice confirms the current sweep plan and has the device sign
// every sweep that needs the hardware factor. The final sweep state is
// returned.
func (s *AccountSession) SweepWithDevice(ctx context.Context,
	device keychain.HardwareDevice) (sweep.SweepState, error) {

	if _, ok := s.Sweeper.State().(*sweep.GeneratingPsbts); ok {
		if _, err := s.Sweeper.Generate(ctx); err != nil {
			return s.Sweeper.State(), err
		}
	}

	if _, ok := s.Sweeper.State().(*sweep.PsbtsGenerated); ok {
		if err := s.Sweeper.Confirm(ctx); err != nil {
			return s.Sweeper.State(), err
		}
	}

	if _, ok := s.Sweeper.State().(*sweep.AwaitingHardwareSignatures); ok {
		if device == nil {
			return s.Sweeper.State(), fmt.Errorf("hardware device " +
				"required")
		}

		if err := s.Sweeper.SignWithDevice(ctx, device); err != nil {
			return s.Sweeper.State(), err
		}
	}

	return s.Sweeper.State(), s.Sweeper.Err()
}

// SocialEnrollment is the customer's social recovery setup. The DEK is kept
// in an encrypted enclave until it is sealed for a contact.
type SocialEnrollment struct {
	// SealedKeyMaterial is the recovery key sealed under the DEK.
	SealedKeyMaterial []byte

	dek *memguard.Enclave
}

// EnrollSocialRecovery registers the recovery key with the ledger and seals
// it under a fresh DEK.
func (s *AccountSession) EnrollSocialRecovery(ctx context.Context,
	recoveryKey *btcec.PrivateKey) (*SocialEnrollment, error) {

	dek, err := socialrec.NewDEK()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dek)

	sealed, err := socialrec.SealKeyMaterial(dek, recoveryKey.Serialize())
	if err != nil {
		return nil, err
	}

	err = s.cfg.Ledger.EnrollSocialRecovery(
		ctx, s.cfg.Account, recoveryKey.PubKey(),
	)
	if err != nil {
		return nil, err
	}

	return &SocialEnrollment{
		SealedKeyMaterial: sealed,
		dek:               memguard.NewEnclave(dek),
	}, nil
}

// AddTrustedContact seals the enrollment's DEK to the contact's identity key
// and enrolls the contact.
func (s *AccountSession) AddTrustedContact(ctx context.Context,
	enrollment *SocialEnrollment, contactID, alias string,
	identityKey [socialrec.KeySize]byte) error {

	dek, err := enrollment.dek.Open()
	if err != nil {
		return err
	}
	defer dek.Destroy()

	blob, err := socialrec.SealForContact(identityKey, dek.Bytes())
	if err != nil {
		return err
	}

	return s.cfg.Ledger.AddTrustedContact(
		ctx, s.cfg.Account, ledger.TrustedContact{
			ID:          contactID,
			Alias:       alias,
			IdentityKey: identityKey,
			SealedDEK:   blob,
		},
	)
}

// StartSocialChallenge opens a challenge for every enrolled contact.
func (s *AccountSession) StartSocialChallenge(ctx context.Context,
	enrollment *SocialEnrollment) (*socialrec.Challenge, error) {

	contacts, err := s.cfg.Ledger.TrustedContacts(ctx, s.cfg.Account)
	if err != nil {
		return nil, err
	}

	return s.Social.StartChallenge(
		ctx, contacts, enrollment.SealedKeyMaterial,
	)
}

// RecoverWithSocialQuorum opens the responses of a social challenge and,
// when at least minResponses validated, signs an attestation with the
// recovered key. A non-positive minResponses uses the configured minimum.
func (s *AccountSession) RecoverWithSocialQuorum(ctx context.Context,
	challengeID string,
	minResponses int) (ledger.SocialAttestation, error) {

	var zero ledger.SocialAttestation

	if minResponses <= 0 {
		minResponses = s.cfg.Cfg.SocialRecovery.MinResponses
	}

	recovered, err := s.Social.RecoverKeyMaterial(ctx, challengeID)
	if err != nil {
		var respErr *socialrec.ResponseError
		if errors.As(err, &respErr) {
			s.cfg.Metrics.SocialResponse(false)
		}

		return zero, err
	}
	defer recovered.Material.Destroy()

	for range recovered.ContactIDs {
		s.cfg.Metrics.SocialResponse(true)
	}

	if recovered.Responses < minResponses {
		return zero, fmt.Errorf("%w: %d of %d responses",
			ErrQuorumNotReached, recovered.Responses, minResponses)
	}

	if recovered.Material.Size() != btcec.PrivKeyBytesLen {
		return zero, ErrInvalidRecoveryKey
	}
	priv, _ := btcec.PrivKeyFromBytes(recovered.Material.Bytes())
	defer priv.Zero()

	digest := possession.ChallengeDigest([]byte(challengeID))
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return zero, err
	}

	log.Infof("Account %v: social challenge %v reached quorum with %d "+
		"responses", s.cfg.Account, challengeID, recovered.Responses)

	return ledger.SocialAttestation{
		ChallengeID: challengeID,
		Proof:       sig,
	}, nil
}
