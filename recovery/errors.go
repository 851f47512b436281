package recovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/possession"
)

// ErrorKind enumerates every failure a coordinator operation reports.
type ErrorKind uint8

const (
	// KindCommsVerificationRequired means the ledger demands out-of-band
	// verification. The requirement is attached to the error.
	KindCommsVerificationRequired ErrorKind = iota

	// KindInvalidToken means the attached verification token or social
	// attestation was rejected.
	KindInvalidToken

	// KindRecoveryAlreadyExists means a recovery is already active.
	KindRecoveryAlreadyExists

	// KindNoRecoveryExists means there is no active recovery.
	KindNoRecoveryExists

	// KindAlreadyCompleted means the recovery was already completed.
	KindAlreadyCompleted

	// KindDelayNotElapsed means the waiting period is still running.
	KindDelayNotElapsed

	// KindEventMismatch means the ledger moved on to another event.
	KindEventMismatch

	// KindOperationInProgress means another mutating call for the account
	// is in flight.
	KindOperationInProgress

	// KindHardwareSignaturesRequired means stale keysets still need
	// hardware signed sweeps before the auth keys may rotate.
	KindHardwareSignaturesRequired

	// KindStepFailed means a rotation step failed. The step is attached.
	KindStepFailed

	// KindInvalidProof means a possession proof or certificate did not
	// verify.
	KindInvalidProof

	// KindInvalidRequest means the request was malformed.
	KindInvalidRequest

	// KindTransport means the ledger could not be reached.
	KindTransport
)

// String returns a human readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindCommsVerificationRequired:
		return "CommsVerificationRequired"

	case KindInvalidToken:
		return "InvalidToken"

	case KindRecoveryAlreadyExists:
		return "RecoveryAlreadyExists"

	case KindNoRecoveryExists:
		return "NoRecoveryExists"

	case KindAlreadyCompleted:
		return "AlreadyCompleted"

	case KindDelayNotElapsed:
		return "DelayNotElapsed"

	case KindEventMismatch:
		return "EventMismatch"

	case KindOperationInProgress:
		return "OperationInProgress"

	case KindHardwareSignaturesRequired:
		return "HardwareSignaturesRequired"

	case KindStepFailed:
		return "StepFailed"

	case KindInvalidProof:
		return "InvalidProof"

	case KindInvalidRequest:
		return "InvalidRequest"

	case KindTransport:
		return "Transport"

	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Category groups error kinds by how a caller should react to them.
type Category uint8

const (
	// CategoryGating errors are expected and need user action.
	CategoryGating Category = iota

	// CategoryConflict errors mean the local view of the recovery is
	// stale and the caller should re-sync.
	CategoryConflict

	// CategoryTransient errors are infrastructure failures.
	CategoryTransient

	// CategoryPartialCompletion errors name the step or keyset that
	// failed so a retry can resume there.
	CategoryPartialCompletion

	// CategoryCryptographic errors are fatal to the operation and may
	// indicate an attack.
	CategoryCryptographic
)

// String returns a human readable name for the category.
func (c Category) String() string {
	switch c {
	case CategoryGating:
		return "gating"

	case CategoryConflict:
		return "conflict"

	case CategoryTransient:
		return "transient"

	case CategoryPartialCompletion:
		return "partial_completion"

	case CategoryCryptographic:
		return "cryptographic"

	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Error is returned by every Coordinator operation.
type Error struct {
	// Kind is the failure kind.
	Kind ErrorKind

	// Step is the rotation step that failed, if any.
	Step fn.Option[Step]

	// Requirement is set for KindCommsVerificationRequired.
	Requirement *ledger.CommsVerificationRequirement

	// Keysets lists the keysets still waiting for hardware signatures
	// for KindHardwareSignaturesRequired.
	Keysets []*keyset.SpendingKeyset

	// Err is the underlying error.
	Err error
}

// Error returns a human readable description of the error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())

	e.Step.WhenSome(func(s Step) {
		fmt.Fprintf(&b, " at step %v", s)
	})

	if len(e.Keysets) > 0 {
		ids := make([]string, 0, len(e.Keysets))
		for _, ks := range e.Keysets {
			ids = append(ids, ks.ID)
		}
		fmt.Fprintf(&b, " (keysets=%v)", strings.Join(ids, ","))
	}

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// Category returns the taxonomy the error belongs to. Cryptographic
// failures take precedence over the step they happened in.
func (e *Error) Category() Category {
	if e.IsSecurityAlert() {
		return CategoryCryptographic
	}

	switch e.Kind {
	case KindCommsVerificationRequired, KindInvalidToken,
		KindHardwareSignaturesRequired, KindDelayNotElapsed,
		KindInvalidRequest:

		return CategoryGating

	case KindRecoveryAlreadyExists, KindNoRecoveryExists,
		KindAlreadyCompleted, KindEventMismatch,
		KindOperationInProgress:

		return CategoryConflict

	case KindStepFailed:
		return CategoryPartialCompletion

	default:
		return CategoryTransient
	}
}

// IsSecurityAlert returns true if the error may mean someone is trying to
// recover the account with forged proofs. Such errors must be shown to the
// customer distinctly from benign failures.
func (e *Error) IsSecurityAlert() bool {
	if e.Kind == KindInvalidProof {
		return true
	}

	return isCryptoFailure(e.Err)
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr, true
	}

	return nil, false
}

// isCryptoFailure returns true for proof and certificate failures.
func isCryptoFailure(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ledger.ErrInvalidProof) ||
		errors.Is(err, ledger.ErrInvalidEndorsement) ||
		errors.Is(err, possession.ErrInvalidSignature) ||
		errors.Is(err, possession.ErrUnexpectedKey) ||
		errors.Is(err, possession.ErrWrongFactor)
}

// classify maps a ledger error onto an error kind.
func classify(err error) ErrorKind {
	if _, ok := ledger.AsCommsVerificationRequired(err); ok {
		return KindCommsVerificationRequired
	}

	switch {
	case isCryptoFailure(err):
		return KindInvalidProof

	case errors.Is(err, ledger.ErrRecoveryAlreadyExists):
		return KindRecoveryAlreadyExists

	case errors.Is(err, ledger.ErrNoRecoveryExists):
		return KindNoRecoveryExists

	case errors.Is(err, ledger.ErrAlreadyCompleted):
		return KindAlreadyCompleted

	case errors.Is(err, ledger.ErrDelayNotElapsed):
		return KindDelayNotElapsed

	case errors.Is(err, ledger.ErrEventMismatch):
		return KindEventMismatch

	case errors.Is(err, ledger.ErrInvalidToken),
		errors.Is(err, ledger.ErrAlreadyConsumed),
		errors.Is(err, ledger.ErrChallengeNotFound),
		errors.Is(err, ledger.ErrNoResponses),
		errors.Is(err, ledger.ErrSocialRecoveryNotEnrolled):

		return KindInvalidToken

	case errors.Is(err, ledger.ErrInvalidKeys),
		errors.Is(err, ledger.ErrUnknownChallenge),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, possession.ErrMissingProof),
		errors.Is(err, possession.ErrEmptyChallenge):

		return KindInvalidRequest

	default:
		return KindTransport
	}
}

// wrapErr turns a ledger error into an *Error.
func wrapErr(err error) *Error {
	if rErr, ok := AsError(err); ok {
		return rErr
	}

	rErr := &Error{
		Kind: classify(err),
		Err:  err,
	}
	if req, ok := ledger.AsCommsVerificationRequired(err); ok {
		rErr.Requirement = req
	}

	return rErr
}

// stepErr reports a failed rotation step.
func stepErr(step Step, err error) *Error {
	return &Error{
		Kind: KindStepFailed,
		Step: fn.Some(step),
		Err:  err,
	}
}
