package socialrec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChallenge is returned when the coordinator holds no
	// secrets for a challenge, e.g. it was started on another device.
	ErrUnknownChallenge = errors.New("no local secrets for challenge")

	// ErrWordMismatch is returned to a contact when the counter
	// verification word of the session does not match the code.
	ErrWordMismatch = errors.New("counter verification word mismatch")

	// ErrOperationInProgress is returned when another mutating call for
	// the account is in flight.
	ErrOperationInProgress = errors.New("operation in progress")

	// errNoReceiptTime is attached to responses the server never stamped.
	errNoReceiptTime = errors.New("response carries no receipt time")
)

// ResponseErrorKind enumerates the ways a contact response can fail to
// validate.
type ResponseErrorKind uint8

const (
	// ResponseWrongChallenge means the response is bound to another
	// challenge.
	ResponseWrongChallenge ResponseErrorKind = iota

	// ResponseUnknownContact means the response comes from a contact that
	// was not challenged.
	ResponseUnknownContact

	// ResponseConfirmationMismatch means the key confirmation failed.
	ResponseConfirmationMismatch

	// ResponseDecryptionFailed means the resealed key could not be
	// opened.
	ResponseDecryptionFailed

	// ResponseInconsistentKey means contacts returned different keys.
	ResponseInconsistentKey

	// ResponseLate means the response arrived after the challenge
	// expired.
	ResponseLate
)

// String returns a human readable name for the kind.
func (k ResponseErrorKind) String() string {
	switch k {
	case ResponseWrongChallenge:
		return "wrong challenge"

	case ResponseUnknownContact:
		return "unknown contact"

	case ResponseConfirmationMismatch:
		return "confirmation mismatch"

	case ResponseDecryptionFailed:
		return "decryption failed"

	case ResponseInconsistentKey:
		return "inconsistent key"

	case ResponseLate:
		return "late response"

	default:
		return fmt.Sprintf("ResponseErrorKind(%d)", uint8(k))
	}
}

// ResponseError reports a contact response that failed validation. These
// are cryptographic failures and may indicate a forged recovery attempt.
type ResponseError struct {
	Kind      ResponseErrorKind
	ContactID string
	Err       error
}

// Error returns a human readable description of the error.
func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("response from contact %v: %v: %v",
			e.ContactID, e.Kind, e.Err)
	}

	return fmt.Sprintf("response from contact %v: %v", e.ContactID,
		e.Kind)
}

// Unwrap returns the underlying error.
func (e *ResponseError) Unwrap() error {
	return e.Err
}
