// Package possession implements proof-of-possession for the customer's
// authorization factors. A factor proves it is still under the caller's
// control by producing a BIP-340 signature over a tagged hash of a
// server-issued challenge.
package possession

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnrecover/keyset"
)

// ProofSize is the length of a serialized proof: one factor byte, a
// compressed public key and a schnorr signature.
const ProofSize = 1 + btcec.PubKeyBytesLenCompressed + schnorr.SignatureSize

var (
	// ErrMissingProof is returned when a proof was required but none was
	// supplied.
	ErrMissingProof = errors.New("proof of possession missing")

	// ErrEmptyChallenge is returned when asked to sign or verify over an
	// empty challenge.
	ErrEmptyChallenge = errors.New("empty possession challenge")

	// ErrWrongFactor is returned when the proof was produced by a factor
	// other than the one expected.
	ErrWrongFactor = errors.New("proof produced by unexpected factor")

	// ErrUnexpectedKey is returned when the proof's key is not the key on
	// record for the factor.
	ErrUnexpectedKey = errors.New("proof signed by unexpected key")

	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("invalid possession signature")
)

// challengeTag domain separates possession signatures from every other
// signature produced by the same keys.
var challengeTag = []byte("lnrecover/possession")

// Proof is a signed possession challenge.
type Proof struct {
	// Factor is the factor that produced the proof.
	Factor keyset.Factor

	// PubKey is the auth key of the factor.
	PubKey *btcec.PublicKey

	// Signature is the schnorr signature over the challenge digest.
	Signature *schnorr.Signature
}

// ChallengeDigest returns the message that is signed for a challenge.
func ChallengeDigest(challenge []byte) *chainhash.Hash {
	return chainhash.TaggedHash(challengeTag, challenge)
}

// Sign produces a proof for the challenge using the factor's private auth key.
func Sign(factor keyset.Factor, priv *btcec.PrivateKey,
	challenge []byte) (*Proof, error) {

	if len(challenge) == 0 {
		return nil, ErrEmptyChallenge
	}

	digest := ChallengeDigest(challenge)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("unable to sign challenge: %w", err)
	}

	return &Proof{
		Factor:    factor,
		PubKey:    priv.PubKey(),
		Signature: sig,
	}, nil
}

// NewProof assembles a proof from a raw signature produced by an external
// signer such as a hardware device.
func NewProof(factor keyset.Factor, pub *btcec.PublicKey,
	sig *schnorr.Signature) *Proof {

	return &Proof{
		Factor:    factor,
		PubKey:    pub,
		Signature: sig,
	}
}

// Verify checks that the proof was produced by the expected factor, using the
// key on record for it, over the given challenge.
func Verify(proof *Proof, challenge []byte, factor keyset.Factor,
	expected *btcec.PublicKey) error {

	switch {
	case proof == nil || proof.PubKey == nil || proof.Signature == nil:
		return ErrMissingProof

	case len(challenge) == 0:
		return ErrEmptyChallenge

	case proof.Factor != factor:
		return fmt.Errorf("%w: got %v, want %v", ErrWrongFactor,
			proof.Factor, factor)

	case expected == nil || !proof.PubKey.IsEqual(expected):
		return ErrUnexpectedKey
	}

	digest := ChallengeDigest(challenge)
	if !proof.Signature.Verify(digest[:], proof.PubKey) {
		return ErrInvalidSignature
	}

	return nil
}

// Serialize encodes the proof as factor || pubkey || signature.
func (p *Proof) Serialize() []byte {
	b := make([]byte, 0, ProofSize)
	b = append(b, byte(p.Factor))
	b = append(b, p.PubKey.SerializeCompressed()...)
	b = append(b, p.Signature.Serialize()...)

	return b
}

// ParseProof decodes a proof produced by Serialize.
func ParseProof(b []byte) (*Proof, error) {
	if len(b) != ProofSize {
		return nil, fmt.Errorf("invalid proof length %d, want %d",
			len(b), ProofSize)
	}

	factor := keyset.Factor(b[0])
	if !factor.Valid() {
		return nil, fmt.Errorf("invalid proof factor %d", b[0])
	}

	pubEnd := 1 + btcec.PubKeyBytesLenCompressed
	pub, err := btcec.ParsePubKey(b[1:pubEnd])
	if err != nil {
		return nil, fmt.Errorf("invalid proof key: %w", err)
	}

	sig, err := schnorr.ParseSignature(b[pubEnd:])
	if err != nil {
		return nil, fmt.Errorf("invalid proof signature: %w", err)
	}

	return &Proof{
		Factor:    factor,
		PubKey:    pub,
		Signature: sig,
	}, nil
}
