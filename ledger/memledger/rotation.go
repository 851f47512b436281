package memledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/possession"
	"github.com/lightningnetwork/lnrecover/socialrec"
)

// rotationFor returns the rotation record of a completed event.
//
// NOTE: The caller must hold mu.
func (l *Ledger) rotationFor(acct *account, eventID string) (*rotation,
	*ledger.RecoveryEvent, error) {

	event := l.latest(acct)
	if event == nil || event.ID != eventID {
		return nil, nil, ledger.ErrEventMismatch
	}

	rot, ok := acct.rotations[eventID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: keyset not activated",
			ledger.ErrEventMismatch)
	}

	return rot, event, nil
}

// ActivateKeyset completes the event and activates the new keyset.
func (l *Ledger) ActivateKeyset(_ context.Context, id ledger.AccountID,
	eventID string) (*keyset.SpendingKeyset, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("ActivateKeyset"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	event := l.latest(acct)
	if event == nil || event.ID != eventID {
		return nil, ledger.ErrEventMismatch
	}

	if rot, ok := acct.rotations[eventID]; ok {
		for _, ks := range acct.keysets {
			if ks.ID == rot.keysetID {
				return ks, nil
			}
		}
	}

	switch event.Status {
	case ledger.StatusCanceled:
		return nil, ledger.ErrNoRecoveryExists

	case ledger.StatusPending:
		return nil, ledger.ErrDelayNotElapsed

	case ledger.StatusCompleted:
		return nil, ledger.ErrAlreadyCompleted
	}

	appKey := event.Destination.AppSpendingKey
	if appKey == nil {
		appKey = acct.active.AppKey
	}
	hwKey := event.Destination.HardwareSpendingKey
	if hwKey == nil {
		hwKey = acct.active.HardwareKey
	}

	ks, err := l.newKeyset(acct, appKey, hwKey)
	if err != nil {
		return nil, err
	}

	acct.active = ks
	acct.rotations[eventID] = &rotation{keysetID: ks.ID}
	event.Status = ledger.StatusCompleted

	log.Infof("Account %v: completed recovery %v, active keyset %v", id,
		eventID, ks.ID)

	return ks, nil
}

// RotateAuthKeys installs the new auth keys. The key of the lost factor must
// match the event's destination.
func (l *Ledger) RotateAuthKeys(_ context.Context, id ledger.AccountID,
	eventID string, keys ledger.AuthKeys) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("RotateAuthKeys"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	rot, event, err := l.rotationFor(acct, eventID)
	if err != nil {
		return err
	}

	if keys.App == nil || keys.Hardware == nil {
		return ledger.ErrInvalidKeys
	}

	dest := event.Destination
	if dest.AppAuthKey != nil && !dest.AppAuthKey.IsEqual(keys.App) {
		return fmt.Errorf("%w: app auth key differs from destination",
			ledger.ErrInvalidKeys)
	}
	if dest.HardwareAuthKey != nil &&
		!dest.HardwareAuthKey.IsEqual(keys.Hardware) {

		return fmt.Errorf("%w: hardware auth key differs from "+
			"destination", ledger.ErrInvalidKeys)
	}

	acct.appAuth = keys.App
	acct.hwAuth = keys.Hardware
	rot.authRotated = true

	log.Infof("Account %v: rotated auth keys for %v", id, eventID)

	return nil
}

// RotateAuthTokens issues tokens bound to the new app auth key.
func (l *Ledger) RotateAuthTokens(_ context.Context, id ledger.AccountID,
	eventID string, challenge []byte,
	proof *possession.Proof) (*ledger.AuthTokens, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("RotateAuthTokens"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	rot, _, err := l.rotationFor(acct, eventID)
	if err != nil {
		return nil, err
	}

	err = l.verifyProof(acct, challenge, keyset.FactorApp, proof)
	if err != nil {
		return nil, err
	}
	delete(acct.challenges, string(challenge))

	if rot.tokens != nil {
		tokens := *rot.tokens
		return &tokens, nil
	}

	access, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	refresh, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	tokens := &ledger.AuthTokens{
		Access:    access,
		Refresh:   refresh,
		ExpiresAt: l.cfg.Clock.Now().Add(l.cfg.TokenTTL),
	}
	rot.tokens = tokens
	acct.authTokens = tokens

	result := *tokens

	return &result, nil
}

// VerifyAuthKeys checks proofs from both factors against the active keys.
func (l *Ledger) VerifyAuthKeys(_ context.Context, id ledger.AccountID,
	challenge []byte, proofs []*possession.Proof) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("VerifyAuthKeys"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	seen := make(map[keyset.Factor]bool)
	for _, proof := range proofs {
		if proof == nil {
			return ledger.ErrInvalidProof
		}

		err := l.verifyProof(acct, challenge, proof.Factor, proof)
		if err != nil {
			return err
		}
		seen[proof.Factor] = true
	}
	delete(acct.challenges, string(challenge))

	if !seen[keyset.FactorApp] || !seen[keyset.FactorHardware] {
		return fmt.Errorf("%w: proofs from both factors required",
			ledger.ErrInvalidProof)
	}

	return nil
}

// RotationProgress returns the rotation record of the event.
func (l *Ledger) RotationProgress(_ context.Context, id ledger.AccountID,
	eventID string) (fn.Option[ledger.RotationProgress], error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("RotationProgress"); err != nil {
		return fn.None[ledger.RotationProgress](), err
	}

	acct, err := l.account(id)
	if err != nil {
		return fn.None[ledger.RotationProgress](), err
	}

	rot, ok := acct.rotations[eventID]
	if !ok {
		return fn.None[ledger.RotationProgress](), nil
	}

	return fn.Some(ledger.RotationProgress{
		KeysetID:        rot.keysetID,
		AuthKeysRotated: rot.authRotated,
		TokensIssued:    rot.tokens != nil,
		Finished:        rot.finished,
	}), nil
}

// FinishRotation marks the rotation of the event finished. Finishing twice
// is not an error.
func (l *Ledger) FinishRotation(_ context.Context, id ledger.AccountID,
	eventID string) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("FinishRotation"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	rot, _, err := l.rotationFor(acct, eventID)
	if err != nil {
		return err
	}

	if !rot.authRotated {
		return fmt.Errorf("%w: auth keys not rotated",
			ledger.ErrEventMismatch)
	}

	rot.finished = true

	log.Infof("Account %v: rotation of %v finished", id, eventID)

	return nil
}

// TrustedContacts lists enrolled contacts ordered by enrollment time.
func (l *Ledger) TrustedContacts(_ context.Context,
	id ledger.AccountID) ([]ledger.TrustedContact, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("TrustedContacts"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	contacts := make([]ledger.TrustedContact, 0, len(acct.contacts))
	for _, c := range acct.contacts {
		contacts = append(contacts, *c)
	}
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].EnrolledAt.Equal(contacts[j].EnrolledAt) {
			return contacts[i].ID < contacts[j].ID
		}

		return contacts[i].EnrolledAt.Before(contacts[j].EnrolledAt)
	})

	return contacts, nil
}

// UploadEndorsements stores endorsements made by the active app auth key.
func (l *Ledger) UploadEndorsements(_ context.Context, id ledger.AccountID,
	endorsements []ledger.Endorsement) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("UploadEndorsements"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	for _, e := range endorsements {
		contact, ok := acct.contacts[e.ContactID]
		if !ok {
			return fmt.Errorf("%w: %v", ledger.ErrContactNotFound,
				e.ContactID)
		}

		if e.AuthKey == nil || !e.AuthKey.IsEqual(acct.appAuth) {
			return fmt.Errorf("%w: not made by active auth key",
				ledger.ErrInvalidEndorsement)
		}

		err := socialrec.VerifyEndorsement(contact.IdentityKey, e)
		if err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInvalidEndorsement,
				err)
		}
	}

	for _, e := range endorsements {
		acct.endorsements[e.ContactID] = e
	}

	return nil
}

// RemoveTrustedContact deletes a contact relationship.
func (l *Ledger) RemoveTrustedContact(_ context.Context, id ledger.AccountID,
	contactID string) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("RemoveTrustedContact"); err != nil {
		return err
	}

	acct, err := l.account(id)
	if err != nil {
		return err
	}

	delete(acct.contacts, contactID)
	delete(acct.endorsements, contactID)
	delete(l.contacts, contactID)

	log.Infof("Account %v: removed trusted contact %v", id, contactID)

	return nil
}
