package memledger

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/lightningnetwork/lnrecover/ledger"
)

// codeSpace is the number of distinct verification codes.
var codeSpace = big.NewInt(1_000_000)

// newCode returns a random six digit code.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%06d", n.Int64()), nil
}

// session looks up a usable session of the account.
//
// NOTE: The caller must hold mu.
func (l *Ledger) session(id ledger.AccountID,
	sessionID string) (*commsSession, error) {

	sess, ok := l.sessions[sessionID]
	switch {
	case !ok || sess.account != id:
		return nil, ledger.ErrSessionNotFound

	case sess.consumed:
		return nil, ledger.ErrAlreadyConsumed

	case sess.invalidated ||
		!l.cfg.Clock.Now().Before(sess.req.ExpiresAt):

		return nil, ledger.ErrSessionExpired
	}

	return sess, nil
}

// SendVerificationCode delivers a fresh code for the session. Any code sent
// earlier for the session is replaced.
func (l *Ledger) SendVerificationCode(ctx context.Context, id ledger.AccountID,
	sessionID, touchpointID string) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("SendVerificationCode"); err != nil {
		return err
	}

	sess, err := l.session(id, sessionID)
	if err != nil {
		return err
	}

	var touchpoint *ledger.Touchpoint
	for i := range sess.req.Touchpoints {
		if sess.req.Touchpoints[i].ID == touchpointID {
			touchpoint = &sess.req.Touchpoints[i]
		}
	}
	if touchpoint == nil {
		return ledger.ErrTouchpointNotEligible
	}

	code, err := newCode()
	if err != nil {
		return err
	}

	if l.cfg.Notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	if err := l.cfg.Notifier.Send(ctx, *touchpoint, code); err != nil {
		return fmt.Errorf("unable to deliver code: %w", err)
	}

	sess.codeHash = hashSecret(code)
	sess.codeSent = true

	log.Debugf("Account %v: sent code for session %v to %v", id,
		sessionID, touchpoint.Kind)

	return nil
}

// VerifyCode checks the code and issues a single-use token.
func (l *Ledger) VerifyCode(_ context.Context, id ledger.AccountID, sessionID,
	code string) (*ledger.VerificationToken, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("VerifyCode"); err != nil {
		return nil, err
	}

	sess, err := l.session(id, sessionID)
	if err != nil {
		return nil, err
	}

	entered := hashSecret(code)
	match := subtle.ConstantTimeCompare(entered[:], sess.codeHash[:]) == 1
	if !sess.codeSent || !match {
		sess.attempts++
		if sess.attempts >= l.cfg.MaxCodeAttempts {
			sess.invalidated = true

			log.Warnf("Account %v: session %v invalidated after "+
				"%d wrong codes", id, sessionID, sess.attempts)
		}

		return nil, ledger.ErrCodeMismatch
	}

	value, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	sess.consumed = true
	l.tokens[value] = &issuedToken{
		sessionID: sessionID,
		account:   id,
		action:    sess.req.Action,
	}

	return &ledger.VerificationToken{
		SessionID: sessionID,
		Action:    sess.req.Action,
		Value:     value,
	}, nil
}
