// Package ledger defines the remote recovery ledger the coordinators talk to.
// The interfaces are split by consumer so each coordinator only sees the
// operations it drives. Implementations never swallow errors: domain failures
// are returned as the sentinel errors of this package and transport failures
// as-is.
package ledger

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/possession"
)

// ChallengeSource issues single-use possession challenges.
type ChallengeSource interface {
	// PossessionChallenge returns a fresh challenge for the account. The
	// challenge is consumed by the first request that uses it.
	PossessionChallenge(ctx context.Context,
		account AccountID) ([]byte, error)
}

// InitiateRequest is sent to start a recovery.
type InitiateRequest struct {
	// LostFactor is the factor being replaced.
	LostFactor keyset.Factor

	// Destination holds the replacement keys.
	Destination ProposedKeys

	// Challenge is the possession challenge the proof signs.
	Challenge []byte

	// Proof is produced by the surviving factor.
	Proof *possession.Proof

	// Token is a comms verification token, if one was obtained.
	Token fn.Option[VerificationToken]

	// Social is a social recovery attestation, if one was obtained.
	Social fn.Option[SocialAttestation]
}

// CancelRequest is sent to cancel the active recovery.
type CancelRequest struct {
	// Challenge is the possession challenge the proof signs.
	Challenge []byte

	// Proof is optional: a customer that lost both factors may still
	// cancel through comms verification alone.
	Proof fn.Option[*possession.Proof]

	// Token is a comms verification token, if one was obtained.
	Token fn.Option[VerificationToken]
}

// RecoveryClient drives the recovery lifecycle.
type RecoveryClient interface {
	ChallengeSource

	// InitiateRecovery starts a recovery. It fails with
	// *CommsVerificationRequiredError when out-of-band proof is needed,
	// and with ErrRecoveryAlreadyExists when a recovery is active.
	InitiateRecovery(ctx context.Context, account AccountID,
		req *InitiateRequest) (*RecoveryEvent, error)

	// CancelRecovery cancels the active recovery. Cancellation is a
	// compare-and-swap on the event status: a completed recovery yields
	// ErrAlreadyCompleted.
	CancelRecovery(ctx context.Context, account AccountID,
		req *CancelRequest) error

	// RecoveryStatus returns the most recent recovery event of the
	// account, or None if the account never started one.
	RecoveryStatus(ctx context.Context,
		account AccountID) (fn.Option[RecoveryEvent], error)
}

// RotationClient commits the steps of a completed recovery. Every step is
// keyed by the event id and is idempotent on the server.
type RotationClient interface {
	ChallengeSource

	// ActivateKeyset completes the event and activates a new spending
	// keyset built from the destination keys and a fresh server key.
	ActivateKeyset(ctx context.Context, account AccountID,
		eventID string) (*keyset.SpendingKeyset, error)

	// RotateAuthKeys installs the new auth keys.
	RotateAuthKeys(ctx context.Context, account AccountID, eventID string,
		keys AuthKeys) error

	// RotateAuthTokens issues tokens bound to the new app auth key. The
	// proof must be made by that key.
	RotateAuthTokens(ctx context.Context, account AccountID,
		eventID string, challenge []byte,
		proof *possession.Proof) (*AuthTokens, error)

	// VerifyAuthKeys checks that the proofs were made by the active auth
	// keys.
	VerifyAuthKeys(ctx context.Context, account AccountID,
		challenge []byte, proofs []*possession.Proof) error

	// TrustedContacts lists the account's enrolled contacts.
	TrustedContacts(ctx context.Context,
		account AccountID) ([]TrustedContact, error)

	// UploadEndorsements replaces the contacts' endorsements.
	UploadEndorsements(ctx context.Context, account AccountID,
		endorsements []Endorsement) error

	// RemoveTrustedContact deletes a contact relationship. Removing an
	// unknown contact is not an error.
	RemoveTrustedContact(ctx context.Context, account AccountID,
		contactID string) error

	// RotationProgress returns the rotation record of the event, or None
	// if its keyset was never activated.
	RotationProgress(ctx context.Context, account AccountID,
		eventID string) (fn.Option[RotationProgress], error)

	// FinishRotation marks the rotation of the event finished. Later
	// attempts to complete the event fail with ErrAlreadyCompleted.
	FinishRotation(ctx context.Context, account AccountID,
		eventID string) error
}

// CommsClient drives out-of-band verification sessions.
type CommsClient interface {
	// SendVerificationCode delivers a code for the session to the
	// touchpoint.
	SendVerificationCode(ctx context.Context, account AccountID,
		sessionID, touchpointID string) error

	// VerifyCode checks the code and returns a single-use token.
	VerifyCode(ctx context.Context, account AccountID, sessionID,
		code string) (*VerificationToken, error)
}

// StartChallengeRequest creates a social challenge.
type StartChallengeRequest struct {
	// CodeHash is the SHA-256 of the code shared with the contacts.
	CodeHash [32]byte

	// CounterVerificationWord is derived from the session.
	CounterVerificationWord string

	// Contacts holds the per-contact ephemeral keys.
	Contacts []ContactChallenge

	// SealedKeyMaterial is stored with the challenge.
	SealedKeyMaterial []byte
}

// SocialClient drives social recovery challenges for both the customer and
// the trusted contacts.
type SocialClient interface {
	// TrustedContacts lists the account's enrolled contacts.
	TrustedContacts(ctx context.Context,
		account AccountID) ([]TrustedContact, error)

	// EnrollSocialRecovery registers the key whose possession proves a
	// successful social recovery.
	EnrollSocialRecovery(ctx context.Context, account AccountID,
		recoveryKey *btcec.PublicKey) error

	// AddTrustedContact enrolls a contact.
	AddTrustedContact(ctx context.Context, account AccountID,
		contact TrustedContact) error

	// StartSocialChallenge creates a new challenge for the account.
	StartSocialChallenge(ctx context.Context, account AccountID,
		req *StartChallengeRequest) (*SocialChallenge, error)

	// SocialChallenge fetches a challenge by id.
	SocialChallenge(ctx context.Context, account AccountID,
		challengeID string) (*SocialChallenge, error)

	// CurrentSocialChallenge returns the newest unexpired challenge.
	CurrentSocialChallenge(ctx context.Context,
		account AccountID) (fn.Option[SocialChallenge], error)

	// VerifySocialChallenge is called by a contact with the code the
	// customer shared. It authorizes the contact to respond.
	VerifySocialChallenge(ctx context.Context, contactID,
		code string) (*VerificationOutcome, error)

	// RespondToSocialChallenge stores the contact's vouch.
	RespondToSocialChallenge(ctx context.Context, contactID string,
		resp *SocialResponse) error
}

// WalletClient exposes the server's view of the spending wallet.
type WalletClient interface {
	// Keysets returns every keyset the account ever had.
	Keysets(ctx context.Context,
		account AccountID) ([]*keyset.SpendingKeyset, error)

	// ActiveKeyset returns the account's active keyset.
	ActiveKeyset(ctx context.Context,
		account AccountID) (*keyset.SpendingKeyset, error)

	// CosignPsbt adds the server's signature to every input of the
	// packet spending the keyset.
	CosignPsbt(ctx context.Context, account AccountID, keysetID string,
		packet *psbt.Packet) (*psbt.Packet, error)
}

// Notifier delivers verification codes to touchpoints.
type Notifier interface {
	// Send delivers the code.
	Send(ctx context.Context, touchpoint Touchpoint, code string) error
}
