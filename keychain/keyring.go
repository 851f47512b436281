package keychain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/possession"
)

// KeyFamily separates the purposes a customer key may be used for.
type KeyFamily uint32

const (
	// KeyFamilyAuth holds the keys used to authenticate against the
	// server and to prove possession of a factor.
	KeyFamilyAuth KeyFamily = 0

	// KeyFamilySpending holds the keys appearing in spending keysets.
	KeyFamilySpending KeyFamily = 1
)

// ErrUnknownKey is returned when the ring is asked to use a key it does not
// hold.
var ErrUnknownKey = errors.New("key not found in key ring")

// KeyDescriptor identifies a key held by a KeyRing.
type KeyDescriptor struct {
	// Family is the purpose of the key.
	Family KeyFamily

	// PubKey is the public half of the key.
	PubKey *btcec.PublicKey
}

type keyID [btcec.PubKeyBytesLenCompressed]byte

func newKeyID(pub *btcec.PublicKey) keyID {
	var id keyID
	copy(id[:], pub.SerializeCompressed())

	return id
}

// KeyRing is the app factor's local key store. It signs possession
// challenges, endorsement certificates and keyset PSBT inputs.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[keyID]*btcec.PrivateKey
	fam  map[keyID]KeyFamily
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys: make(map[keyID]*btcec.PrivateKey),
		fam:  make(map[keyID]KeyFamily),
	}
}

// DeriveNextKey creates a fresh key in the given family.
func (r *KeyRing) DeriveNextKey(family KeyFamily) (KeyDescriptor, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyDescriptor{}, fmt.Errorf("unable to generate key: %w",
			err)
	}

	return r.ImportKey(family, priv), nil
}

// ImportKey adds an existing private key to the ring.
func (r *KeyRing) ImportKey(family KeyFamily,
	priv *btcec.PrivateKey) KeyDescriptor {

	r.mu.Lock()
	defer r.mu.Unlock()

	id := newKeyID(priv.PubKey())
	r.keys[id] = priv
	r.fam[id] = family

	return KeyDescriptor{Family: family, PubKey: priv.PubKey()}
}

// Forget removes a key from the ring. Forgetting an unknown key is a no-op.
func (r *KeyRing) Forget(pub *btcec.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := newKeyID(pub)
	delete(r.keys, id)
	delete(r.fam, id)
}

// HasKey returns true if the ring holds the private key for pub.
func (r *KeyRing) HasKey(pub *btcec.PublicKey) bool {
	if pub == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.keys[newKeyID(pub)]

	return ok
}

func (r *KeyRing) privKey(pub *btcec.PublicKey) (*btcec.PrivateKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	priv, ok := r.keys[newKeyID(pub)]
	if !ok {
		return nil, ErrUnknownKey
	}

	return priv, nil
}

// ProvePossession signs a possession challenge with the auth key pub.
func (r *KeyRing) ProvePossession(factor keyset.Factor, pub *btcec.PublicKey,
	challenge []byte) (*possession.Proof, error) {

	priv, err := r.privKey(pub)
	if err != nil {
		return nil, err
	}

	return possession.Sign(factor, priv, challenge)
}

// SignMessage produces a schnorr signature over the tagged hash of msg.
func (r *KeyRing) SignMessage(pub *btcec.PublicKey, tag,
	msg []byte) (*schnorr.Signature, error) {

	priv, err := r.privKey(pub)
	if err != nil {
		return nil, err
	}

	digest := chainhash.TaggedHash(tag, msg)

	return schnorr.Sign(priv, digest[:])
}

// SignPsbt adds a partial signature to every input of the packet whose
// witness script contains one of the ring's spending keys. It returns the
// number of signatures added.
func (r *KeyRing) SignPsbt(packet *psbt.Packet) (int, error) {
	r.mu.RLock()
	privs := make([]*btcec.PrivateKey, 0, len(r.keys))
	for id, priv := range r.keys {
		if r.fam[id] == KeyFamilySpending {
			privs = append(privs, priv)
		}
	}
	r.mu.RUnlock()

	var signed int
	for _, priv := range privs {
		n, err := SignPsbtInputs(packet, priv)
		if err != nil {
			return signed, err
		}
		signed += n
	}

	log.Debugf("Signed %d psbt inputs with %d spending keys", signed,
		len(privs))

	return signed, nil
}

// HardwareDevice is the capability through which the hardware factor is
// reached. Implementations talk to a physical device and are injected by the
// caller.
type HardwareDevice interface {
	// AuthKey returns the device's current auth public key.
	AuthKey() *btcec.PublicKey

	// ProvePossession signs the challenge with the device's auth key.
	ProvePossession(ctx context.Context,
		challenge []byte) (*schnorr.Signature, error)

	// SignPsbt returns a copy of the packet carrying the device's partial
	// signatures.
	SignPsbt(ctx context.Context, packet *psbt.Packet) (*psbt.Packet,
		error)
}

// SoftwareDevice is a HardwareDevice backed by in-memory keys. It is used in
// simulations and tests.
type SoftwareDevice struct {
	ring    *KeyRing
	authKey *btcec.PublicKey
}

// A compile-time check to ensure SoftwareDevice implements HardwareDevice.
var _ HardwareDevice = (*SoftwareDevice)(nil)

// NewSoftwareDevice creates a device with a fresh auth key and a fresh
// spending key.
func NewSoftwareDevice() (*SoftwareDevice, error) {
	ring := NewKeyRing()

	auth, err := ring.DeriveNextKey(KeyFamilyAuth)
	if err != nil {
		return nil, err
	}

	if _, err := ring.DeriveNextKey(KeyFamilySpending); err != nil {
		return nil, err
	}

	return &SoftwareDevice{ring: ring, authKey: auth.PubKey}, nil
}

// SpendingKey returns one of the device's spending keys.
func (d *SoftwareDevice) SpendingKey() *btcec.PublicKey {
	d.ring.mu.RLock()
	defer d.ring.mu.RUnlock()

	for id, priv := range d.ring.keys {
		if d.ring.fam[id] == KeyFamilySpending {
			return priv.PubKey()
		}
	}

	return nil
}

// AuthKey returns the device's auth public key.
func (d *SoftwareDevice) AuthKey() *btcec.PublicKey {
	return d.authKey
}

// ProvePossession signs the challenge with the device's auth key.
func (d *SoftwareDevice) ProvePossession(_ context.Context,
	challenge []byte) (*schnorr.Signature, error) {

	proof, err := d.ring.ProvePossession(
		keyset.FactorHardware, d.authKey, challenge,
	)
	if err != nil {
		return nil, err
	}

	return proof.Signature, nil
}

// SignPsbt signs every input the device holds a key for.
func (d *SoftwareDevice) SignPsbt(_ context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	signed, err := ClonePacket(packet)
	if err != nil {
		return nil, err
	}

	if _, err := d.ring.SignPsbt(signed); err != nil {
		return nil, err
	}

	return signed, nil
}
