package ledger

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnrecover/keyset"
)

// AccountID identifies a customer account on the ledger.
type AccountID string

// Status is the server-side lifecycle status of a recovery event.
type Status uint8

const (
	// StatusPending means the delay period has not elapsed yet.
	StatusPending Status = iota

	// StatusReadyToComplete means the delay period elapsed and the
	// rotation may be completed.
	StatusReadyToComplete

	// StatusCanceled is terminal: the recovery was canceled.
	StatusCanceled

	// StatusCompleted is terminal: the rotation was committed.
	StatusCompleted
)

// String returns a human readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"

	case StatusReadyToComplete:
		return "ReadyToComplete"

	case StatusCanceled:
		return "Canceled"

	case StatusCompleted:
		return "Completed"

	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Active returns true if the status still allows cancellation or completion.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusReadyToComplete
}

// ProposedKeys are the replacement keys proposed by the surviving factor. The
// keys of the lost factor are mandatory, keys of the surviving factor are
// optional and default to the currently active ones.
type ProposedKeys struct {
	// AppAuthKey is the new app auth key.
	AppAuthKey *btcec.PublicKey

	// HardwareAuthKey is the new hardware auth key.
	HardwareAuthKey *btcec.PublicKey

	// AppSpendingKey is the app key of the new spending keyset.
	AppSpendingKey *btcec.PublicKey

	// HardwareSpendingKey is the hardware key of the new spending keyset.
	HardwareSpendingKey *btcec.PublicKey
}

// Validate checks that the keys required to replace the lost factor are
// present.
func (p *ProposedKeys) Validate(lost keyset.Factor) error {
	switch lost {
	case keyset.FactorApp:
		if p.AppAuthKey == nil || p.AppSpendingKey == nil {
			return fmt.Errorf("%w: app keys required", ErrInvalidKeys)
		}

	case keyset.FactorHardware:
		if p.HardwareAuthKey == nil || p.HardwareSpendingKey == nil {
			return fmt.Errorf("%w: hardware keys required",
				ErrInvalidKeys)
		}

	default:
		return fmt.Errorf("%w: unknown factor %v", ErrInvalidKeys, lost)
	}

	return nil
}

// RecoveryEvent is the authoritative, server-held record of a recovery.
type RecoveryEvent struct {
	// ID uniquely identifies the event.
	ID string

	// Account is the account being recovered.
	Account AccountID

	// LostFactor is the factor being replaced.
	LostFactor keyset.Factor

	// Destination holds the replacement keys.
	Destination ProposedKeys

	// StartedAt is when the event was created.
	StartedAt time.Time

	// DelayEndsAt is when the rotation may be completed. It is always
	// after StartedAt.
	DelayEndsAt time.Time

	// Status is the current lifecycle status.
	Status Status

	// SocialRecovery is set when the event was authorized through a
	// social recovery challenge.
	SocialRecovery bool
}

// DelayElapsed returns true if now is at or past the end of the delay.
func (e *RecoveryEvent) DelayElapsed(now time.Time) bool {
	return !now.Before(e.DelayEndsAt)
}

// String returns a short description of the event.
func (e *RecoveryEvent) String() string {
	return fmt.Sprintf("recovery(id=%v, lost=%v, status=%v, "+
		"delay_ends=%v)", e.ID, e.LostFactor, e.Status,
		e.DelayEndsAt.UTC().Format(time.RFC3339))
}

// RotationProgress is the ledger's record of the rotation of a completed
// event. Any client holding the account's keys may resume it.
type RotationProgress struct {
	// KeysetID is the keyset activated for the event.
	KeysetID string

	// AuthKeysRotated is set once the new auth keys were installed.
	AuthKeysRotated bool

	// TokensIssued is set once tokens for the new app auth key exist.
	TokensIssued bool

	// Finished is set once the client reported every step done.
	Finished bool
}

// Action names a sensitive operation that may be gated by out-of-band
// verification.
type Action uint8

const (
	// ActionInitiate gates starting a recovery.
	ActionInitiate Action = iota

	// ActionCancel gates canceling a recovery.
	ActionCancel
)

// String returns a human readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionInitiate:
		return "initiate"

	case ActionCancel:
		return "cancel"

	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// TouchpointKind is the type of a communication channel.
type TouchpointKind uint8

const (
	// TouchpointPhone delivers codes by SMS.
	TouchpointPhone TouchpointKind = iota

	// TouchpointEmail delivers codes by email.
	TouchpointEmail
)

// String returns a human readable name for the kind.
func (k TouchpointKind) String() string {
	switch k {
	case TouchpointPhone:
		return "phone"

	case TouchpointEmail:
		return "email"

	default:
		return fmt.Sprintf("TouchpointKind(%d)", uint8(k))
	}
}

// Touchpoint is a verified communication channel of the customer.
type Touchpoint struct {
	// ID identifies the touchpoint.
	ID string

	// Kind is the channel type.
	Kind TouchpointKind

	// Address is the phone number or email address.
	Address string
}

// CommsVerificationRequirement is returned by the server when an action needs
// out-of-band proof.
type CommsVerificationRequirement struct {
	// SessionID is the opaque verification session identifier.
	SessionID string

	// Action is the action being gated.
	Action Action

	// Touchpoints is the set of channels a code may be sent to.
	Touchpoints []Touchpoint

	// ExpiresAt is when the session stops accepting codes.
	ExpiresAt time.Time
}

// Eligible returns true if the touchpoint may receive a code for this
// session.
func (r *CommsVerificationRequirement) Eligible(touchpointID string) bool {
	for _, tp := range r.Touchpoints {
		if tp.ID == touchpointID {
			return true
		}
	}

	return false
}

// VerificationToken proves a comms verification session was completed. It is
// redeemable once, for the action of its session.
type VerificationToken struct {
	// SessionID is the session the token was issued for.
	SessionID string

	// Action is the action the token authorizes.
	Action Action

	// Value is the opaque token.
	Value string
}

// AuthKeys are the auth public keys of both factors.
type AuthKeys struct {
	// App is the app factor's auth key.
	App *btcec.PublicKey

	// Hardware is the hardware factor's auth key.
	Hardware *btcec.PublicKey
}

// AuthTokens are the session tokens issued to the app.
type AuthTokens struct {
	// Access is the short lived access token.
	Access string

	// Refresh is the long lived refresh token.
	Refresh string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time
}

// TrustedContact is a contact enrolled to help with social recovery.
type TrustedContact struct {
	// ID identifies the contact.
	ID string

	// Alias is the customer-facing name of the contact.
	Alias string

	// IdentityKey is the contact's X25519 identity public key.
	IdentityKey [32]byte

	// SealedDEK is the customer's data encryption key sealed to the
	// contact's identity key. The server cannot open it.
	SealedDEK []byte

	// EnrolledAt is when the contact accepted the invitation.
	EnrolledAt time.Time
}

// Endorsement binds a trusted contact's identity key to the account's current
// app auth key.
type Endorsement struct {
	// ContactID is the endorsed contact.
	ContactID string

	// AuthKey is the app auth key that produced the certificate.
	AuthKey *btcec.PublicKey

	// Certificate is the signature by AuthKey over the contact identity.
	Certificate *schnorr.Signature
}

// ContactChallenge is the per-contact part of a social challenge.
type ContactChallenge struct {
	// ContactID is the contact the entry is for.
	ContactID string

	// CustomerKey is the customer's ephemeral X25519 public key for this
	// contact.
	CustomerKey [32]byte
}

// SocialResponse is one trusted contact's vouch.
type SocialResponse struct {
	// ContactID is the responding contact.
	ContactID string

	// ChallengeID is the challenge the response is bound to.
	ChallengeID string

	// ContactKey is the contact's ephemeral X25519 public key.
	ContactKey [32]byte

	// Confirmation proves the contact derived the same session key.
	Confirmation [32]byte

	// ResealedDEK is the DEK sealed under the session key.
	ResealedDEK []byte

	// ReceivedAt is when the server accepted the response.
	ReceivedAt time.Time
}

// SocialChallenge is a social recovery session.
type SocialChallenge struct {
	// ID identifies the challenge.
	ID string

	// Account is the account being recovered.
	Account AccountID

	// CodeHash is the SHA-256 of the code the customer shares with the
	// contacts. It is used to find the challenge.
	CodeHash [32]byte

	// CounterVerificationWord is shown to both parties so they can
	// confirm they are in the same session.
	CounterVerificationWord string

	// Contacts holds one entry per challenged contact.
	Contacts []ContactChallenge

	// SealedKeyMaterial is the customer's recovery key material sealed
	// under the DEK.
	SealedKeyMaterial []byte

	// CreatedAt is when the challenge was created.
	CreatedAt time.Time

	// ExpiresAt is when the challenge stops accepting responses.
	ExpiresAt time.Time

	// Responses maps contact id to that contact's response.
	Responses map[string]SocialResponse
}

// Expired returns true if the challenge no longer accepts responses.
func (c *SocialChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ContactEntry returns the challenge entry for the contact.
func (c *SocialChallenge) ContactEntry(contactID string) (ContactChallenge,
	bool) {

	for _, entry := range c.Contacts {
		if entry.ContactID == contactID {
			return entry, true
		}
	}

	return ContactChallenge{}, false
}

// VerificationOutcome is handed to a trusted contact that entered the right
// code. It carries what the contact needs to respond.
type VerificationOutcome struct {
	// ChallengeID is the challenge the contact was verified for.
	ChallengeID string

	// CustomerKey is the customer's ephemeral key for this contact.
	CustomerKey [32]byte

	// SealedDEK is the contact's enrollment blob.
	SealedDEK []byte

	// CounterVerificationWord is shown to the contact.
	CounterVerificationWord string

	// ExpiresAt is when responses stop being accepted.
	ExpiresAt time.Time
}

// SocialAttestation authorizes a gated action through a social challenge. The
// proof is made with the socially recovered key over the challenge id.
type SocialAttestation struct {
	// ChallengeID is the challenge the customer recovered material from.
	ChallengeID string

	// Proof is signed by the recovered social recovery key.
	Proof *schnorr.Signature
}
