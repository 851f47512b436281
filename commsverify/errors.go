package commsverify

import (
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnrecover/ledger"
)

// Kind classifies a verification failure.
type Kind uint8

const (
	// KindCodeMismatch means the entered code was wrong. The user may
	// enter another one.
	KindCodeMismatch Kind = iota

	// KindSessionExpired means the session no longer accepts codes. The
	// caller must restart from the gated action or abandon it.
	KindSessionExpired

	// KindAlreadyConsumed means the session was already verified once.
	KindAlreadyConsumed

	// KindTouchpointNotEligible means the touchpoint is not part of the
	// session's eligible set.
	KindTouchpointNotEligible

	// KindSessionNotFound means the server does not know the session.
	KindSessionNotFound

	// KindTransport means the server could not be reached.
	KindTransport
)

// String returns the name of the kind. The names double as metric labels.
func (k Kind) String() string {
	switch k {
	case KindCodeMismatch:
		return "code_mismatch"

	case KindSessionExpired:
		return "session_expired"

	case KindAlreadyConsumed:
		return "already_consumed"

	case KindTouchpointNotEligible:
		return "touchpoint_not_eligible"

	case KindSessionNotFound:
		return "session_not_found"

	case KindTransport:
		return "transport"

	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// VerificationError is returned by every failing Coordinator call.
type VerificationError struct {
	// Kind classifies the failure.
	Kind Kind

	// SessionID is the session the call was made for.
	SessionID string

	// Err is the underlying error.
	Err error
}

// Error returns a human readable description of the error.
func (e *VerificationError) Error() string {
	return fmt.Sprintf("comms verification failed (session=%v, %v): %v",
		e.SessionID, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Retryable returns true if the same session may be used again.
func (e *VerificationError) Retryable() bool {
	return e.Kind == KindCodeMismatch || e.Kind == KindTransport
}

// AsVerificationError extracts a *VerificationError from err.
func AsVerificationError(err error) (*VerificationError, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr, true
	}

	return nil, false
}

// classify maps a ledger error to its kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, ledger.ErrCodeMismatch):
		return KindCodeMismatch

	case errors.Is(err, ledger.ErrSessionExpired):
		return KindSessionExpired

	case errors.Is(err, ledger.ErrAlreadyConsumed):
		return KindAlreadyConsumed

	case errors.Is(err, ledger.ErrTouchpointNotEligible):
		return KindTouchpointNotEligible

	case errors.Is(err, ledger.ErrSessionNotFound):
		return KindSessionNotFound

	default:
		return KindTransport
	}
}
