package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned for unknown accounts.
	ErrAccountNotFound = errors.New("account not found")

	// ErrRecoveryAlreadyExists is returned when a recovery is initiated
	// while another one is still active.
	ErrRecoveryAlreadyExists = errors.New("recovery already exists")

	// ErrNoRecoveryExists is returned when there is no active recovery to
	// act upon.
	ErrNoRecoveryExists = errors.New("no recovery exists")

	// ErrAlreadyCompleted is returned when acting upon a recovery that has
	// already been completed.
	ErrAlreadyCompleted = errors.New("recovery already completed")

	// ErrDelayNotElapsed is returned when completing a recovery before
	// its delay period ended.
	ErrDelayNotElapsed = errors.New("recovery delay has not elapsed")

	// ErrEventMismatch is returned when a rotation step names an event
	// other than the account's current one.
	ErrEventMismatch = errors.New("recovery event mismatch")

	// ErrInvalidKeys is returned when the proposed keys are incomplete.
	ErrInvalidKeys = errors.New("invalid proposed keys")

	// ErrInvalidProof is returned when a proof of possession fails to
	// verify.
	ErrInvalidProof = errors.New("invalid proof of possession")

	// ErrUnknownChallenge is returned when a possession challenge was not
	// issued or already used.
	ErrUnknownChallenge = errors.New("unknown possession challenge")

	// ErrSessionNotFound is returned for unknown verification sessions.
	ErrSessionNotFound = errors.New("verification session not found")

	// ErrCodeMismatch is returned when the entered code is wrong.
	ErrCodeMismatch = errors.New("verification code mismatch")

	// ErrSessionExpired is returned when the verification session is no
	// longer valid.
	ErrSessionExpired = errors.New("verification session expired")

	// ErrAlreadyConsumed is returned when a verification session or token
	// was already used.
	ErrAlreadyConsumed = errors.New("verification already consumed")

	// ErrTouchpointNotEligible is returned when a code is requested for a
	// touchpoint outside the session's eligible set.
	ErrTouchpointNotEligible = errors.New("touchpoint not eligible")

	// ErrInvalidToken is returned for tokens that do not match any
	// completed session for the action.
	ErrInvalidToken = errors.New("invalid verification token")

	// ErrNoTrustedContacts is returned when a social challenge is started
	// for an account without enrolled contacts.
	ErrNoTrustedContacts = errors.New("no trusted contacts enrolled")

	// ErrContactNotFound is returned for unknown trusted contacts.
	ErrContactNotFound = errors.New("trusted contact not found")

	// ErrChallengeNotFound is returned for unknown social challenges.
	ErrChallengeNotFound = errors.New("social challenge not found")

	// ErrChallengeExpired is returned when a social challenge no longer
	// accepts responses.
	ErrChallengeExpired = errors.New("social challenge expired")

	// ErrContactNotVerified is returned when a contact responds without
	// verifying the challenge code first.
	ErrContactNotVerified = errors.New("trusted contact not verified " +
		"for challenge")

	// ErrAlreadyResponded is returned when a contact responds twice.
	ErrAlreadyResponded = errors.New("trusted contact already responded")

	// ErrNoResponses is returned when a social attestation references a
	// challenge without any response.
	ErrNoResponses = errors.New("social challenge has no responses")

	// ErrSocialRecoveryNotEnrolled is returned when social recovery is
	// used before a recovery key was registered.
	ErrSocialRecoveryNotEnrolled = errors.New("social recovery not " +
		"enrolled")

	// ErrInvalidEndorsement is returned when an endorsement certificate
	// does not verify against the active auth key.
	ErrInvalidEndorsement = errors.New("invalid endorsement")

	// ErrKeysetNotFound is returned for unknown keysets.
	ErrKeysetNotFound = errors.New("keyset not found")

	// ErrUnauthorizedOutput is returned when asked to cosign a
	// transaction paying outside the account.
	ErrUnauthorizedOutput = errors.New("output not owned by account")
)

// CommsVerificationRequiredError is returned when the server demands
// out-of-band verification before the action can proceed.
type CommsVerificationRequiredError struct {
	// Requirement describes the verification session to complete.
	Requirement CommsVerificationRequirement
}

// Error returns a human readable description of the error.
func (e *CommsVerificationRequiredError) Error() string {
	return fmt.Sprintf("comms verification required for %v (session=%v)",
		e.Requirement.Action, e.Requirement.SessionID)
}

// AsCommsVerificationRequired extracts the requirement from err, if any.
func AsCommsVerificationRequired(err error) (*CommsVerificationRequirement,
	bool) {

	var reqErr *CommsVerificationRequiredError
	if errors.As(err, &reqErr) {
		return &reqErr.Requirement, true
	}

	return nil, false
}
