package memledger

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/ledger"
)

// copyChallenge returns a deep copy of the challenge.
func copyChallenge(c *ledger.SocialChallenge) *ledger.SocialChallenge {
	dup := *c
	dup.Contacts = append([]ledger.ContactChallenge(nil), c.Contacts...)
	dup.SealedKeyMaterial = append([]byte(nil), c.SealedKeyMaterial...)
	dup.Responses = make(map[string]ledger.SocialResponse, len(c.Responses))
	for id, resp := range c.Responses {
		dup.Responses[id] = resp
	}

	return &dup
}

// EnrollSocialRecovery registers the social recovery key.
func (l *Ledger) EnrollSocialRecovery(_ context.Context, id ledger.AccountID,
	recoveryKey *btcec.PublicKey) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	acct.recoveryKey = recoveryKey

	return nil
}

// AddTrustedContact enrolls a contact. A zero EnrolledAt is set to now.
func (l *Ledger) AddTrustedContact(_ context.Context, id ledger.AccountID,
	contact ledger.TrustedContact) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("AddTrustedContact"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	if contact.ID == "" {
		return fmt.Errorf("contact id required")
	}
	if owner, ok := l.contacts[contact.ID]; ok && owner != id {
		return fmt.Errorf("contact %v enrolled by another account",
			contact.ID)
	}
	if contact.EnrolledAt.IsZero() {
		contact.EnrolledAt = l.cfg.Clock.Now()
	}

	acct.contacts[contact.ID] = &contact
	l.contacts[contact.ID] = id

	log.Infof("Account %v: enrolled trusted contact %v", id, contact.ID)

	return nil
}

// StartSocialChallenge creates a new challenge.
func (l *Ledger) StartSocialChallenge(_ context.Context, id ledger.AccountID,
	req *ledger.StartChallengeRequest) (*ledger.SocialChallenge, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("StartSocialChallenge"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	if len(acct.contacts) == 0 || len(req.Contacts) == 0 {
		return nil, ledger.ErrNoTrustedContacts
	}
	for _, entry := range req.Contacts {
		if _, ok := acct.contacts[entry.ContactID]; !ok {
			return nil, fmt.Errorf("%w: %v",
				ledger.ErrContactNotFound, entry.ContactID)
		}
	}

	now := l.cfg.Clock.Now()
	challenge := ledger.SocialChallenge{
		ID:                      uuid.NewString(),
		Account:                 id,
		CodeHash:                req.CodeHash,
		CounterVerificationWord: req.CounterVerificationWord,
		Contacts: append(
			[]ledger.ContactChallenge(nil), req.Contacts...,
		),
		SealedKeyMaterial: append(
			[]byte(nil), req.SealedKeyMaterial...,
		),
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.ChallengeTTL),
		Responses: make(map[string]ledger.SocialResponse),
	}
	acct.social[challenge.ID] = &socialChallenge{
		challenge: challenge,
		verified:  make(map[string]bool),
	}

	log.Infof("Account %v: started social challenge %v with %d contacts",
		id, challenge.ID, len(challenge.Contacts))

	return copyChallenge(&challenge), nil
}

// SocialChallenge fetches a challenge by id.
func (l *Ledger) SocialChallenge(_ context.Context, id ledger.AccountID,
	challengeID string) (*ledger.SocialChallenge, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("SocialChallenge"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	sc, ok := acct.social[challengeID]
	if !ok {
		return nil, ledger.ErrChallengeNotFound
	}

	return copyChallenge(&sc.challenge), nil
}

// CurrentSocialChallenge returns the newest unexpired challenge.
func (l *Ledger) CurrentSocialChallenge(_ context.Context,
	id ledger.AccountID) (fn.Option[ledger.SocialChallenge], error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	none := fn.None[ledger.SocialChallenge]()
	if err := l.injected("CurrentSocialChallenge"); err != nil {
		return none, err
	}

	acct, err := l.account(id)
	if err != nil {
		return none, err
	}

	now := l.cfg.Clock.Now()

	var newest *ledger.SocialChallenge
	for _, sc := range acct.social {
		c := &sc.challenge
		if c.Expired(now) {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}

	if newest == nil {
		return none, nil
	}

	return fn.Some(*copyChallenge(newest)), nil
}

// VerifySocialChallenge authorizes a contact who entered the customer's
// code.
func (l *Ledger) VerifySocialChallenge(_ context.Context, contactID,
	code string) (*ledger.VerificationOutcome, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("VerifySocialChallenge"); err != nil {
		return nil, err
	}

	id, ok := l.contacts[contactID]
	if !ok {
		return nil, ledger.ErrContactNotFound
	}
	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	codeHash := hashSecret(code)

	var (
		match *socialChallenge
		entry ledger.ContactChallenge
	)
	for _, sc := range acct.social {
		c := &sc.challenge
		if subtle.ConstantTimeCompare(codeHash[:], c.CodeHash[:]) != 1 {
			continue
		}

		e, ok := c.ContactEntry(contactID)
		if !ok {
			continue
		}

		match, entry = sc, e
	}
	if match == nil {
		return nil, ledger.ErrChallengeNotFound
	}

	if match.challenge.Expired(l.cfg.Clock.Now()) {
		return nil, ledger.ErrChallengeExpired
	}

	match.verified[contactID] = true

	return &ledger.VerificationOutcome{
		ChallengeID:             match.challenge.ID,
		CustomerKey:             entry.CustomerKey,
		SealedDEK:               acct.contacts[contactID].SealedDEK,
		CounterVerificationWord: match.challenge.CounterVerificationWord,
		ExpiresAt:               match.challenge.ExpiresAt,
	}, nil
}

// RespondToSocialChallenge stores a contact's vouch.
func (l *Ledger) RespondToSocialChallenge(_ context.Context, contactID string,
	resp *ledger.SocialResponse) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("RespondToSocialChallenge"); err != nil {
		return err
	}

	id, ok := l.contacts[contactID]
	if !ok {
		return ledger.ErrContactNotFound
	}
	acct, err := l.account(id)
	if err != nil {
		return err
	}

	sc, ok := acct.social[resp.ChallengeID]
	switch {
	case !ok:
		return ledger.ErrChallengeNotFound

	case sc.challenge.Expired(l.cfg.Clock.Now()):
		return ledger.ErrChallengeExpired

	case !sc.verified[contactID]:
		return ledger.ErrContactNotVerified
	}

	if _, ok := sc.challenge.Responses[contactID]; ok {
		return ledger.ErrAlreadyResponded
	}

	stored := *resp
	stored.ContactID = contactID
	stored.ReceivedAt = l.cfg.Clock.Now()
	stored.ResealedDEK = append([]byte(nil), resp.ResealedDEK...)
	sc.challenge.Responses[contactID] = stored

	log.Infof("Account %v: contact %v responded to challenge %v", id,
		contactID, resp.ChallengeID)

	return nil
}
