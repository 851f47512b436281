// Package memledger is an in-memory implementation of the recovery ledger. It
// enforces the same invariants as the production server and is used by tests
// and by the simulation command.
package memledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
)

const (
	// DefaultDelay is the production Delay-and-Notify waiting period.
	DefaultDelay = 7 * 24 * time.Hour

	// DefaultSessionTTL is how long comms sessions and possession
	// challenges stay valid.
	DefaultSessionTTL = 10 * time.Minute

	// DefaultChallengeTTL is how long a social challenge accepts
	// responses.
	DefaultChallengeTTL = 7 * 24 * time.Hour

	// DefaultTokenTTL is the lifetime of issued access tokens.
	DefaultTokenTTL = time.Hour

	// DefaultMaxCodeAttempts is the number of wrong codes after which a
	// comms session expires.
	DefaultMaxCodeAttempts = 5
)

// Config holds the server policy.
type Config struct {
	// Clock is the server's time source.
	Clock clock.Clock

	// Delay is the mandatory waiting period of a recovery.
	Delay time.Duration

	// SessionTTL bounds comms sessions and possession challenges.
	SessionTTL time.Duration

	// ChallengeTTL bounds social challenges.
	ChallengeTTL time.Duration

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration

	// MaxCodeAttempts is the number of wrong codes a session tolerates.
	MaxCodeAttempts int

	// RequireComms lists the actions gated by comms verification.
	RequireComms map[ledger.Action]bool

	// Notifier delivers verification codes.
	Notifier ledger.Notifier

	// Network is the network keysets are created for.
	Network *chaincfg.Params
}

// DefaultConfig returns a config with production timings that gates both
// initiation and cancellation.
func DefaultConfig(notifier ledger.Notifier) Config {
	return Config{
		Clock:           clock.NewDefaultClock(),
		Delay:           DefaultDelay,
		SessionTTL:      DefaultSessionTTL,
		ChallengeTTL:    DefaultChallengeTTL,
		TokenTTL:        DefaultTokenTTL,
		MaxCodeAttempts: DefaultMaxCodeAttempts,
		RequireComms: map[ledger.Action]bool{
			ledger.ActionInitiate: true,
			ledger.ActionCancel:   true,
		},
		Notifier: notifier,
		Network:  &chaincfg.RegressionNetParams,
	}
}

type commsSession struct {
	account     ledger.AccountID
	req         ledger.CommsVerificationRequirement
	codeHash    [32]byte
	codeSent    bool
	attempts    int
	consumed    bool
	invalidated bool
}

type issuedToken struct {
	sessionID string
	account   ledger.AccountID
	action    ledger.Action
	redeemed  bool
}

type rotation struct {
	keysetID    string
	authRotated bool
	tokens      *ledger.AuthTokens
	finished    bool
}

type socialChallenge struct {
	challenge ledger.SocialChallenge
	verified  map[string]bool
	attested  bool
}

type account struct {
	id          ledger.AccountID
	appAuth     *btcec.PublicKey
	hwAuth      *btcec.PublicKey
	recoveryKey *btcec.PublicKey
	touchpoints []ledger.Touchpoint

	keysets    []*keyset.SpendingKeyset
	active     *keyset.SpendingKeyset
	serverKeys map[string]*btcec.PrivateKey

	events     []*ledger.RecoveryEvent
	challenges map[string]time.Time
	rotations  map[string]*rotation
	authTokens *ledger.AuthTokens

	contacts     map[string]*ledger.TrustedContact
	endorsements map[string]ledger.Endorsement
	social       map[string]*socialChallenge
}

// Ledger is the in-memory recovery ledger.
type Ledger struct {
	cfg Config

	mu       sync.Mutex
	accounts map[ledger.AccountID]*account
	sessions map[string]*commsSession
	tokens   map[string]*issuedToken
	contacts map[string]ledger.AccountID
	failures map[string][]error
}

// A compile-time check to ensure Ledger implements every client interface.
var (
	_ ledger.RecoveryClient = (*Ledger)(nil)
	_ ledger.RotationClient = (*Ledger)(nil)
	_ ledger.CommsClient    = (*Ledger)(nil)
	_ ledger.SocialClient   = (*Ledger)(nil)
	_ ledger.WalletClient   = (*Ledger)(nil)
)

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	switch {
	case cfg.Clock == nil:
		return nil, fmt.Errorf("clock required")

	case cfg.Delay <= 0:
		return nil, fmt.Errorf("delay must be positive, got %v",
			cfg.Delay)

	case cfg.SessionTTL <= 0 || cfg.ChallengeTTL <= 0 ||
		cfg.TokenTTL <= 0:

		return nil, fmt.Errorf("ttls must be positive")

	case cfg.Network == nil:
		return nil, fmt.Errorf("network required")
	}

	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = DefaultMaxCodeAttempts
	}

	return &Ledger{
		cfg:      cfg,
		accounts: make(map[ledger.AccountID]*account),
		sessions: make(map[string]*commsSession),
		tokens:   make(map[string]*issuedToken),
		contacts: make(map[string]ledger.AccountID),
		failures: make(map[string][]error),
	}, nil
}

// FailNext makes the next call to the named method return err. Calls are
// queued per method.
func (l *Ledger) FailNext(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures[method] = append(l.failures[method], err)
}

// injected pops a queued failure for the method.
//
// NOTE: The caller must hold mu.
func (l *Ledger) injected(method string) error {
	queue := l.failures[method]
	if len(queue) == 0 {
		return nil
	}

	err := queue[0]
	l.failures[method] = queue[1:]

	log.Debugf("Injecting failure into %v: %v", method, err)

	return err
}

// AccountParams describes a new account.
type AccountParams struct {
	// ID is the account id.
	ID ledger.AccountID

	// AppAuthKey is the app factor's auth key.
	AppAuthKey *btcec.PublicKey

	// HardwareAuthKey is the hardware factor's auth key.
	HardwareAuthKey *btcec.PublicKey

	// AppSpendingKey is the app key of the first keyset.
	AppSpendingKey *btcec.PublicKey

	// HardwareSpendingKey is the hardware key of the first keyset.
	HardwareSpendingKey *btcec.PublicKey

	// Touchpoints are the customer's verified channels.
	Touchpoints []ledger.Touchpoint
}

// CreateAccount registers an account and returns its active keyset.
func (l *Ledger) CreateAccount(
	params AccountParams) (*keyset.SpendingKeyset, error) {

	if params.AppAuthKey == nil || params.HardwareAuthKey == nil {
		return nil, ledger.ErrInvalidKeys
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[params.ID]; ok {
		return nil, fmt.Errorf("account %v already exists", params.ID)
	}

	acct := &account{
		id:           params.ID,
		appAuth:      params.AppAuthKey,
		hwAuth:       params.HardwareAuthKey,
		touchpoints:  params.Touchpoints,
		serverKeys:   make(map[string]*btcec.PrivateKey),
		challenges:   make(map[string]time.Time),
		rotations:    make(map[string]*rotation),
		contacts:     make(map[string]*ledger.TrustedContact),
		endorsements: make(map[string]ledger.Endorsement),
		social:       make(map[string]*socialChallenge),
	}

	ks, err := l.newKeyset(
		acct, params.AppSpendingKey, params.HardwareSpendingKey,
	)
	if err != nil {
		return nil, err
	}
	acct.active = ks

	l.accounts[params.ID] = acct

	log.Infof("Created account %v with keyset %v", params.ID, ks.ID)

	return ks, nil
}

// AddKeyset attaches an inactive keyset to the account. It models keysets
// left behind by earlier rotations.
func (l *Ledger) AddKeyset(id ledger.AccountID, appKey,
	hwKey *btcec.PublicKey) (*keyset.SpendingKeyset, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	return l.newKeyset(acct, appKey, hwKey)
}

// AuthKeys returns the account's active auth keys.
func (l *Ledger) AuthKeys(id ledger.AccountID) (ledger.AuthKeys, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(id)
	if err != nil {
		return ledger.AuthKeys{}, err
	}

	return ledger.AuthKeys{App: acct.appAuth, Hardware: acct.hwAuth}, nil
}

// Endorsements returns the account's endorsements sorted by contact id.
func (l *Ledger) Endorsements(
	id ledger.AccountID) ([]ledger.Endorsement, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	endorsements := make([]ledger.Endorsement, 0, len(acct.endorsements))
	for _, e := range acct.endorsements {
		endorsements = append(endorsements, e)
	}
	sort.Slice(endorsements, func(i, j int) bool {
		return endorsements[i].ContactID < endorsements[j].ContactID
	})

	return endorsements, nil
}

// account looks up an account.
//
// NOTE: The caller must hold mu.
func (l *Ledger) account(id ledger.AccountID) (*account, error) {
	acct, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ledger.ErrAccountNotFound, id)
	}

	return acct, nil
}

// newKeyset creates a keyset with a fresh server key.
//
// NOTE: The caller must hold mu.
func (l *Ledger) newKeyset(acct *account, appKey,
	hwKey *btcec.PublicKey) (*keyset.SpendingKeyset, error) {

	serverKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	ks := &keyset.SpendingKeyset{
		ID:          uuid.NewString(),
		AppKey:      appKey,
		HardwareKey: hwKey,
		ServerKey:   serverKey.PubKey(),
		Network:     l.cfg.Network,
	}
	if err := ks.Validate(); err != nil {
		return nil, err
	}

	acct.keysets = append(acct.keysets, ks)
	acct.serverKeys[ks.ID] = serverKey

	return ks, nil
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// hashSecret returns the SHA-256 of a short secret.
func hashSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// PossessionChallenge returns a fresh single-use challenge.
func (l *Ledger) PossessionChallenge(_ context.Context,
	id ledger.AccountID) ([]byte, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("PossessionChallenge"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	acct.challenges[string(challenge)] = l.cfg.Clock.Now()

	return challenge, nil
}

// checkChallenge returns an error if the challenge was never issued or has
// expired.
//
// NOTE: The caller must hold mu.
func (l *Ledger) checkChallenge(acct *account, challenge []byte) error {
	issuedAt, ok := acct.challenges[string(challenge)]
	if !ok {
		return ledger.ErrUnknownChallenge
	}

	if l.cfg.Clock.Now().Sub(issuedAt) >= l.cfg.SessionTTL {
		delete(acct.challenges, string(challenge))
		return ledger.ErrUnknownChallenge
	}

	return nil
}
