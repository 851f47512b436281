// Package socialrec implements the social recovery challenge protocol. The
// customer opens a challenge with one ephemeral X25519 key per trusted
// contact and shares a code with them out of band. Each contact that enters
// the code opens its enrollment copy of the customer's data encryption key and
// reseals it under a key derived from an X25519 exchange and the code. Only
// the customer, holding the ephemeral private keys, can open the responses.
// The server relays ciphertexts and never sees the key.
//
// The package is threshold-agnostic: it reports how many valid responses
// were found and leaves the quorum decision to the caller.
package socialrec

import (
	"context"
	"crypto/hmac"
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/multimutex"
)

// Config holds the coordinator's dependencies.
type Config struct {
	// Account is the account the coordinator acts for.
	Account ledger.AccountID

	// Client is the ledger's social recovery API.
	Client ledger.SocialClient

	// Clock is used to check response timeliness.
	Clock clock.Clock

	// Locks serializes mutating calls per account. It is shared with the
	// other coordinators of the account. A private one is used if nil.
	Locks *multimutex.Mutex[ledger.AccountID]
}

// Challenge is a started challenge together with the code the customer must
// share with the contacts.
type Challenge struct {
	ledger.SocialChallenge

	// Code is shared out of band with the trusted contacts.
	Code string
}

// challengeSecrets are the customer's private values for one challenge.
type challengeSecrets struct {
	code string
	keys map[string]*memguard.Enclave
}

// destroy drops the secrets.
func (s *challengeSecrets) destroy() {
	s.keys = nil
}

// Recovered is the result of opening a challenge's responses.
type Recovered struct {
	// Material is the decrypted recovery key material. The caller must
	// Destroy it once done.
	Material *memguard.LockedBuffer

	// Responses is the number of responses that validated.
	Responses int

	// ContactIDs lists the contacts whose responses validated.
	ContactIDs []string
}

// Coordinator is the customer side of the social recovery protocol.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	secrets map[string]*challengeSecrets
}

// NewCoordinator creates a coordinator for one account.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Locks == nil {
		cfg.Locks = multimutex.NewMutex[ledger.AccountID]()
	}

	return &Coordinator{
		cfg:     cfg,
		secrets: make(map[string]*challengeSecrets),
	}
}

// StartChallenge creates a challenge for the given contacts. The sealed key
// material is stored with the challenge so a new device can recover it.
func (c *Coordinator) StartChallenge(ctx context.Context,
	contacts []ledger.TrustedContact,
	sealedKeyMaterial []byte) (*Challenge, error) {

	release, err := c.acquire("start challenge")
	if err != nil {
		return nil, err
	}
	defer release()

	if len(contacts) == 0 {
		return nil, ledger.ErrNoTrustedContacts
	}

	code, err := NewCode()
	if err != nil {
		return nil, err
	}

	secrets := &challengeSecrets{
		code: code,
		keys: make(map[string]*memguard.Enclave, len(contacts)),
	}
	entries := make([]ledger.ContactChallenge, 0, len(contacts))
	for _, contact := range contacts {
		eph, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}

		entries = append(entries, ledger.ContactChallenge{
			ContactID:   contact.ID,
			CustomerKey: eph.Public,
		})
		secrets.keys[contact.ID] = memguard.NewEnclave(eph.Private[:])
	}

	challenge, err := c.cfg.Client.StartSocialChallenge(
		ctx, c.cfg.Account, &ledger.StartChallengeRequest{
			CodeHash:                HashCode(code),
			CounterVerificationWord: CounterVerificationWord(code),
			Contacts:                entries,
			SealedKeyMaterial:       sealedKeyMaterial,
		},
	)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.secrets[challenge.ID] = secrets
	c.mu.Unlock()

	log.Infof("Account %v: started social challenge %v (word=%v)",
		c.cfg.Account, challenge.ID, challenge.CounterVerificationWord)

	return &Challenge{SocialChallenge: *challenge, Code: code}, nil
}

// CurrentChallenge returns the newest unexpired challenge, if any.
func (c *Coordinator) CurrentChallenge(
	ctx context.Context) (fn.Option[ledger.SocialChallenge], error) {

	return c.cfg.Client.CurrentSocialChallenge(ctx, c.cfg.Account)
}

// ChallengeByID fetches a challenge.
func (c *Coordinator) ChallengeByID(ctx context.Context,
	id string) (*ledger.SocialChallenge, error) {

	return c.cfg.Client.SocialChallenge(ctx, c.cfg.Account, id)
}

// VerifyChallenge submits the code a contact entered. It only authorizes the
// contact to respond and discloses no key material.
func (c *Coordinator) VerifyChallenge(ctx context.Context, contactID,
	code string) (*ledger.VerificationOutcome, error) {

	return c.cfg.Client.VerifySocialChallenge(ctx, contactID, code)
}

// RespondToChallenge stores a contact's response.
func (c *Coordinator) RespondToChallenge(ctx context.Context,
	resp *ledger.SocialResponse) error {

	release, err := c.acquire("respond to challenge")
	if err != nil {
		return err
	}
	defer release()

	return c.cfg.Client.RespondToSocialChallenge(ctx, resp.ContactID, resp)
}

// acquire takes the account lock without blocking.
func (c *Coordinator) acquire(op string) (func(), error) {
	if !c.cfg.Locks.TryLock(c.cfg.Account) {
		log.Debugf("Account %v: rejecting %v, operation in progress",
			c.cfg.Account, op)

		return nil, fmt.Errorf("%w: %v", ErrOperationInProgress, op)
	}

	return func() {
		c.cfg.Locks.Unlock(c.cfg.Account)
	}, nil
}

// Forget discards the local secrets of a challenge.
func (c *Coordinator) Forget(challengeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.secrets[challengeID]; ok {
		s.destroy()
		delete(c.secrets, challengeID)
	}
}

// openResponse validates one response and returns the DEK it carries.
func (s *challengeSecrets) openResponse(challenge *ledger.SocialChallenge,
	resp ledger.SocialResponse) ([]byte, error) {

	respErr := func(kind ResponseErrorKind, err error) error {
		return &ResponseError{
			Kind:      kind,
			ContactID: resp.ContactID,
			Err:       err,
		}
	}

	if resp.ChallengeID != challenge.ID {
		return nil, respErr(ResponseWrongChallenge, nil)
	}
	switch {
	case resp.ReceivedAt.IsZero():
		return nil, respErr(ResponseLate, errNoReceiptTime)

	case !resp.ReceivedAt.Before(challenge.ExpiresAt):
		return nil, respErr(ResponseLate, nil)
	}

	entry, ok := challenge.ContactEntry(resp.ContactID)
	enclave, haveKey := s.keys[resp.ContactID]
	if !ok || !haveKey {
		return nil, respErr(ResponseUnknownContact, nil)
	}

	privBuf, err := enclave.Open()
	if err != nil {
		return nil, err
	}
	defer privBuf.Destroy()

	var priv [KeySize]byte
	copy(priv[:], privBuf.Bytes())
	defer memguard.WipeBytes(priv[:])

	secret, err := sharedSecret(priv, resp.ContactKey)
	if err != nil {
		return nil, respErr(ResponseConfirmationMismatch, err)
	}
	defer memguard.WipeBytes(secret)

	keys, err := deriveSessionKeys(
		secret, challenge.ID, resp.ContactID, s.code,
		entry.CustomerKey, resp.ContactKey,
	)
	if err != nil {
		return nil, err
	}

	expected := keys.confirmation(challenge.ID, resp.ContactID)
	if !hmac.Equal(expected[:], resp.Confirmation[:]) {
		return nil, respErr(ResponseConfirmationMismatch, nil)
	}

	dek, err := open(
		keys.enc, resp.ResealedDEK,
		bindingAAD(challenge.ID, resp.ContactID),
	)
	if err != nil {
		return nil, respErr(ResponseDecryptionFailed, err)
	}

	return dek, nil
}

// RecoverKeyMaterial validates every response of the challenge and decrypts
// the key material. Any invalid response fails the whole operation. The
// partial set of responses of an expired challenge is still usable.
func (c *Coordinator) RecoverKeyMaterial(ctx context.Context,
	challengeID string) (*Recovered, error) {

	release, err := c.acquire("recover key material")
	if err != nil {
		return nil, err
	}
	defer release()

	c.mu.Lock()
	secrets, ok := c.secrets[challengeID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChallenge
	}

	challenge, err := c.cfg.Client.SocialChallenge(
		ctx, c.cfg.Account, challengeID,
	)
	if err != nil {
		return nil, err
	}

	if len(challenge.Responses) == 0 {
		return nil, ledger.ErrNoResponses
	}

	contactIDs := make([]string, 0, len(challenge.Responses))
	for id := range challenge.Responses {
		contactIDs = append(contactIDs, id)
	}
	sort.Strings(contactIDs)

	var dek []byte
	defer func() {
		memguard.WipeBytes(dek)
	}()

	for _, id := range contactIDs {
		respDEK, err := secrets.openResponse(
			challenge, challenge.Responses[id],
		)
		if err != nil {
			log.Warnf("Account %v: invalid social response from "+
				"%v: %v", c.cfg.Account, id, err)

			return nil, err
		}

		switch {
		case dek == nil:
			dek = respDEK

		case !hmac.Equal(dek, respDEK):
			memguard.WipeBytes(respDEK)

			return nil, &ResponseError{
				Kind:      ResponseInconsistentKey,
				ContactID: id,
			}

		default:
			memguard.WipeBytes(respDEK)
		}
	}

	material, err := openKeyMaterial(dek, challenge.SealedKeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("unable to open key material: %w", err)
	}

	log.Infof("Account %v: recovered key material from %d responses",
		c.cfg.Account, len(contactIDs))

	return &Recovered{
		Material:   memguard.NewBufferFromBytes(material),
		Responses:  len(contactIDs),
		ContactIDs: contactIDs,
	}, nil
}

// Respond is run by a trusted contact after VerifyChallenge succeeded. It
// opens the contact's enrollment copy of the DEK and reseals it for the
// customer, bound to the challenge.
func Respond(identity *KeyPair, contactID string,
	outcome *ledger.VerificationOutcome,
	code string) (*ledger.SocialResponse, error) {

	if outcome.CounterVerificationWord != CounterVerificationWord(code) {
		return nil, ErrWordMismatch
	}

	dek, err := OpenAsContact(identity, outcome.SealedDEK)
	if err != nil {
		return nil, fmt.Errorf("unable to open enrollment: %w", err)
	}
	defer memguard.WipeBytes(dek)

	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(eph.Private[:])

	secret, err := sharedSecret(eph.Private, outcome.CustomerKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(secret)

	keys, err := deriveSessionKeys(
		secret, outcome.ChallengeID, contactID, code,
		outcome.CustomerKey, eph.Public,
	)
	if err != nil {
		return nil, err
	}

	resealed, err := seal(
		keys.enc, dek, bindingAAD(outcome.ChallengeID, contactID),
	)
	if err != nil {
		return nil, err
	}

	return &ledger.SocialResponse{
		ContactID:    contactID,
		ChallengeID:  outcome.ChallengeID,
		ContactKey:   eph.Public,
		Confirmation: keys.confirmation(outcome.ChallengeID, contactID),
		ResealedDEK:  resealed,
	}, nil
}
