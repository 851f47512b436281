package memledger

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/possession"
)

// authKey returns the auth key on record for the factor.
func (a *account) authKey(factor keyset.Factor) *btcec.PublicKey {
	if factor == keyset.FactorApp {
		return a.appAuth
	}

	return a.hwAuth
}

// latest returns the most recent event with its status refreshed.
//
// NOTE: The caller must hold mu.
func (l *Ledger) latest(acct *account) *ledger.RecoveryEvent {
	if len(acct.events) == 0 {
		return nil
	}

	event := acct.events[len(acct.events)-1]
	if event.Status == ledger.StatusPending &&
		event.DelayElapsed(l.cfg.Clock.Now()) {

		event.Status = ledger.StatusReadyToComplete
	}

	return event
}

// verifyProof checks a possession proof against the key on record for its
// factor over an issued challenge. The challenge is consumed when the proof
// is invalid.
//
// NOTE: The caller must hold mu.
func (l *Ledger) verifyProof(acct *account, challenge []byte,
	factor keyset.Factor, proof *possession.Proof) error {

	if err := l.checkChallenge(acct, challenge); err != nil {
		return err
	}

	err := possession.Verify(proof, challenge, factor, acct.authKey(factor))
	if err != nil {
		delete(acct.challenges, string(challenge))

		log.Warnf("Account %v: rejected %v possession proof: %v",
			acct.id, factor, err)

		return fmt.Errorf("%w: %v", ledger.ErrInvalidProof, err)
	}

	return nil
}

// checkToken validates a comms verification token for the action. The caller
// marks the token redeemed once the action commits.
//
// NOTE: The caller must hold mu.
func (l *Ledger) checkToken(acct *account, action ledger.Action,
	token ledger.VerificationToken) (*issuedToken, error) {

	issued, ok := l.tokens[token.Value]
	switch {
	case !ok || issued.account != acct.id || issued.action != action ||
		issued.sessionID != token.SessionID:

		return nil, ledger.ErrInvalidToken

	case issued.redeemed:
		return nil, ledger.ErrAlreadyConsumed
	}

	return issued, nil
}

// checkAttestation validates a social recovery attestation.
//
// NOTE: The caller must hold mu.
func (l *Ledger) checkAttestation(acct *account,
	att ledger.SocialAttestation) (*socialChallenge, error) {

	if acct.recoveryKey == nil {
		return nil, ledger.ErrSocialRecoveryNotEnrolled
	}

	sc, ok := acct.social[att.ChallengeID]
	switch {
	case !ok:
		return nil, ledger.ErrChallengeNotFound

	case sc.attested:
		return nil, ledger.ErrAlreadyConsumed

	case len(sc.challenge.Responses) == 0:
		return nil, ledger.ErrNoResponses

	case att.Proof == nil:
		return nil, ledger.ErrInvalidProof
	}

	digest := possession.ChallengeDigest([]byte(att.ChallengeID))
	if !att.Proof.Verify(digest[:], acct.recoveryKey) {
		log.Warnf("Account %v: rejected social attestation for "+
			"challenge %v", acct.id, att.ChallengeID)

		return nil, fmt.Errorf("%w: social attestation",
			ledger.ErrInvalidProof)
	}

	return sc, nil
}

// requireComms opens a new comms verification session for the action and
// returns the error telling the client to complete it.
//
// NOTE: The caller must hold mu.
func (l *Ledger) requireComms(acct *account, action ledger.Action) error {
	sessionID := uuid.NewString()
	req := ledger.CommsVerificationRequirement{
		SessionID:   sessionID,
		Action:      action,
		Touchpoints: append([]ledger.Touchpoint(nil), acct.touchpoints...),
		ExpiresAt:   l.cfg.Clock.Now().Add(l.cfg.SessionTTL),
	}
	l.sessions[sessionID] = &commsSession{
		account: acct.id,
		req:     req,
	}

	log.Infof("Account %v: %v requires comms verification (session=%v)",
		acct.id, action, sessionID)

	return &ledger.CommsVerificationRequiredError{Requirement: req}
}

// InitiateRecovery starts a new recovery.
func (l *Ledger) InitiateRecovery(_ context.Context, id ledger.AccountID,
	req *ledger.InitiateRequest) (*ledger.RecoveryEvent, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("InitiateRecovery"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	if err := req.Destination.Validate(req.LostFactor); err != nil {
		return nil, err
	}

	surviving := req.LostFactor.Other()
	err = l.verifyProof(acct, req.Challenge, surviving, req.Proof)
	if err != nil {
		return nil, err
	}

	if event := l.latest(acct); event != nil && event.Status.Active() {
		return nil, fmt.Errorf("%w: %v", ledger.ErrRecoveryAlreadyExists,
			event.ID)
	}

	var (
		token  *issuedToken
		social *socialChallenge
	)
	if req.Token.IsSome() {
		token, err = l.checkToken(
			acct, ledger.ActionInitiate, req.Token.UnsafeFromSome(),
		)
		if err != nil {
			return nil, err
		}
	}
	if req.Social.IsSome() {
		social, err = l.checkAttestation(
			acct, req.Social.UnsafeFromSome(),
		)
		if err != nil {
			return nil, err
		}
	}

	if l.cfg.RequireComms[ledger.ActionInitiate] && token == nil &&
		social == nil {

		return nil, l.requireComms(acct, ledger.ActionInitiate)
	}

	now := l.cfg.Clock.Now()
	event := &ledger.RecoveryEvent{
		ID:             uuid.NewString(),
		Account:        id,
		LostFactor:     req.LostFactor,
		Destination:    req.Destination,
		StartedAt:      now,
		DelayEndsAt:    now.Add(l.cfg.Delay),
		Status:         ledger.StatusPending,
		SocialRecovery: social != nil,
	}
	acct.events = append(acct.events, event)

	delete(acct.challenges, string(req.Challenge))
	if token != nil {
		token.redeemed = true
	}
	if social != nil {
		social.attested = true
	}

	log.Infof("Account %v: initiated %v", id, event)

	eventCopy := *event

	return &eventCopy, nil
}

// CancelRecovery cancels the active recovery.
func (l *Ledger) CancelRecovery(_ context.Context, id ledger.AccountID,
	req *ledger.CancelRequest) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("CancelRecovery"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	event := l.latest(acct)
	switch {
	case event == nil || event.Status == ledger.StatusCanceled:
		return ledger.ErrNoRecoveryExists

	case event.Status == ledger.StatusCompleted:
		return ledger.ErrAlreadyCompleted
	}

	proof := req.Proof.UnwrapOr(nil)
	if proof != nil {
		err := l.verifyProof(acct, req.Challenge, proof.Factor, proof)
		if err != nil {
			return err
		}
	}

	var token *issuedToken
	if req.Token.IsSome() {
		token, err = l.checkToken(
			acct, ledger.ActionCancel, req.Token.UnsafeFromSome(),
		)
		if err != nil {
			return err
		}
	}

	gated := l.cfg.RequireComms[ledger.ActionCancel] || proof == nil
	if gated && token == nil {
		return l.requireComms(acct, ledger.ActionCancel)
	}

	event.Status = ledger.StatusCanceled
	if proof != nil {
		delete(acct.challenges, string(req.Challenge))
	}
	if token != nil {
		token.redeemed = true
	}

	log.Infof("Account %v: canceled recovery %v", id, event.ID)

	return nil
}

// RecoveryStatus returns the latest recovery event of the account.
func (l *Ledger) RecoveryStatus(_ context.Context,
	id ledger.AccountID) (fn.Option[ledger.RecoveryEvent], error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("RecoveryStatus"); err != nil {
		return fn.None[ledger.RecoveryEvent](), err
	}

	acct, err := l.account(id)
	if err != nil {
		return fn.None[ledger.RecoveryEvent](), err
	}

	event := l.latest(acct)
	if event == nil {
		return fn.None[ledger.RecoveryEvent](), nil
	}

	return fn.Some(*event), nil
}
