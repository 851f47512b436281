package socialrec

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/ledger"
)

var endorsementTag = []byte("lnrecover/endorsement")

// ErrInvalidCertificate is returned when an endorsement certificate does not
// verify.
var ErrInvalidCertificate = errors.New("invalid endorsement certificate")

// endorsementMsg is the message an endorsement signs.
func endorsementMsg(identityKey [KeySize]byte,
	authKey *btcec.PublicKey) []byte {

	msg := make([]byte, 0, KeySize+btcec.PubKeyBytesLenCompressed)
	msg = append(msg, identityKey[:]...)
	msg = append(msg, authKey.SerializeCompressed()...)

	return msg
}

// Endorse produces a certificate binding the contact's identity key to the
// app auth key held by the ring.
func Endorse(ring *keychain.KeyRing, authKey *btcec.PublicKey,
	contact ledger.TrustedContact) (*ledger.Endorsement, error) {

	sig, err := ring.SignMessage(
		authKey, endorsementTag,
		endorsementMsg(contact.IdentityKey, authKey),
	)
	if err != nil {
		return nil, err
	}

	return &ledger.Endorsement{
		ContactID:   contact.ID,
		AuthKey:     authKey,
		Certificate: sig,
	}, nil
}

// VerifyEndorsement checks the certificate against the contact's identity
// key.
func VerifyEndorsement(identityKey [KeySize]byte,
	e ledger.Endorsement) error {

	if e.AuthKey == nil || e.Certificate == nil {
		return ErrInvalidCertificate
	}

	digest := chainhash.TaggedHash(
		endorsementTag, endorsementMsg(identityKey, e.AuthKey),
	)
	if !e.Certificate.Verify(digest[:], e.AuthKey) {
		return ErrInvalidCertificate
	}

	return nil
}
