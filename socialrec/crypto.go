package socialrec

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of X25519 keys and of the data encryption key.
const KeySize = 32

var (
	enrollInfo  = []byte("lnrecover/social/enroll")
	backupAAD   = []byte("lnrecover/social/backup")
	sessionInfo = []byte("lnrecover/social/pake")
	confirmTag  = []byte("lnrecover/social/confirm")

	// ErrMalformedCiphertext is returned for sealed blobs that are too
	// short to hold a nonce and a tag.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrDecryptionFailed is returned when authenticated decryption
	// fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("unable to generate X25519 key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)

	return kp, nil
}

// sharedSecret computes the X25519 shared secret.
func sharedSecret(priv, pub [KeySize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("unable to derive shared secret: %w", err)
	}

	return secret, nil
}

// deriveKey expands a shared secret into n bytes of key material.
func deriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	key := make([]byte, n)
	reader := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}

	return key, nil
}

// seal encrypts with ChaCha20-Poly1305. The output is nonce || ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(),
		aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal.
func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformedCiphertext
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// NewDEK returns a fresh data encryption key.
func NewDEK() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}

	return dek, nil
}

// SealForContact seals the DEK to a trusted contact's identity key during
// enrollment. The output is ephemeral key || nonce || ciphertext.
func SealForContact(contactKey [KeySize]byte, dek []byte) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	secret, err := sharedSecret(eph.Private, contactKey)
	if err != nil {
		return nil, err
	}

	salt := append(eph.Public[:KeySize:KeySize], contactKey[:]...)
	key, err := deriveKey(secret, salt, enrollInfo, KeySize)
	if err != nil {
		return nil, err
	}

	sealed, err := seal(key, dek, eph.Public[:])
	if err != nil {
		return nil, err
	}

	return append(eph.Public[:KeySize:KeySize], sealed...), nil
}

// OpenAsContact opens an enrollment blob with the contact's identity.
func OpenAsContact(identity *KeyPair, blob []byte) ([]byte, error) {
	if len(blob) < KeySize {
		return nil, ErrMalformedCiphertext
	}

	var ephKey [KeySize]byte
	copy(ephKey[:], blob[:KeySize])

	secret, err := sharedSecret(identity.Private, ephKey)
	if err != nil {
		return nil, err
	}

	salt := append(ephKey[:KeySize:KeySize], identity.Public[:]...)
	key, err := deriveKey(secret, salt, enrollInfo, KeySize)
	if err != nil {
		return nil, err
	}

	return open(key, blob[KeySize:], ephKey[:])
}

// SealKeyMaterial encrypts the customer's recovery key material under the
// DEK.
func SealKeyMaterial(dek, material []byte) ([]byte, error) {
	return seal(dek, material, backupAAD)
}

// openKeyMaterial decrypts key material sealed by SealKeyMaterial.
func openKeyMaterial(dek, sealed []byte) ([]byte, error) {
	return open(dek, sealed, backupAAD)
}

// sessionKeys are the keys both parties derive for one contact in one
// challenge.
type sessionKeys struct {
	enc     []byte
	confirm []byte
}

// bindingAAD binds ciphertexts and confirmations to the challenge and the
// contact.
func bindingAAD(challengeID, contactID string) []byte {
	aad := make([]byte, 0, len(challengeID)+len(contactID)+1)
	aad = append(aad, challengeID...)
	aad = append(aad, 0)
	aad = append(aad, contactID...)

	return aad
}

// deriveSessionKeys derives the per-contact session keys. The code the
// customer shared out of band is mixed in so a party that only observed the
// public keys cannot derive them.
func deriveSessionKeys(secret []byte, challengeID, contactID, code string,
	customerKey, contactKey [KeySize]byte) (*sessionKeys, error) {

	info := make([]byte, 0, len(sessionInfo)+len(code)+2*KeySize+64)
	info = append(info, sessionInfo...)
	info = append(info, code...)
	info = append(info, 0)
	info = append(info, contactID...)
	info = append(info, customerKey[:]...)
	info = append(info, contactKey[:]...)

	key, err := deriveKey(secret, []byte(challengeID), info, 2*KeySize)
	if err != nil {
		return nil, err
	}

	return &sessionKeys{enc: key[:KeySize], confirm: key[KeySize:]}, nil
}

// confirmation computes the key confirmation MAC for the session.
func (k *sessionKeys) confirmation(challengeID,
	contactID string) [sha256.Size]byte {

	mac := hmac.New(sha256.New, k.confirm)
	mac.Write(confirmTag)
	mac.Write(bindingAAD(challengeID, contactID))

	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))

	return out
}
