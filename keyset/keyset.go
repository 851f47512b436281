package keyset

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// RequiredSigs is the number of signatures needed to spend from a
	// keyset.
	RequiredSigs = 2

	// numKeys is the number of keys in every keyset.
	numKeys = 3
)

var (
	// ErrMissingKey is returned when a keyset lacks one of its three keys.
	ErrMissingKey = errors.New("keyset is missing a key")

	// ErrDuplicateKey is returned when two keys of a keyset are equal.
	ErrDuplicateKey = errors.New("keyset contains duplicate keys")

	// ErrMissingNetwork is returned when a keyset has no network params.
	ErrMissingNetwork = errors.New("keyset has no network")
)

// SpendingKeyset is one version of the account's 2-of-3 spending policy. A
// keyset is never mutated once created; a rotation produces a new keyset
// and leaves the previous ones around until they are drained.
type SpendingKeyset struct {
	// ID is the server assigned identifier of the keyset.
	ID string

	// AppKey is the spending key held by the mobile application.
	AppKey *btcec.PublicKey

	// HardwareKey is the spending key held by the hardware device.
	HardwareKey *btcec.PublicKey

	// ServerKey is the spending key held by the server.
	ServerKey *btcec.PublicKey

	// Network is the chain the keyset is used on.
	Network *chaincfg.Params
}

// String returns the keyset id.
func (k *SpendingKeyset) String() string {
	return k.ID
}

// Validate checks that the keyset is well formed.
func (k *SpendingKeyset) Validate() error {
	if k.AppKey == nil || k.HardwareKey == nil || k.ServerKey == nil {
		return ErrMissingKey
	}

	if k.Network == nil {
		return ErrMissingNetwork
	}

	keys := k.sortedKeys()
	for i := 1; i < len(keys); i++ {
		if bytes.Equal(keys[i-1], keys[i]) {
			return ErrDuplicateKey
		}
	}

	return nil
}

// Equal returns true if both keysets carry the same keys on the same network.
// The id is not compared.
func (k *SpendingKeyset) Equal(o *SpendingKeyset) bool {
	if k == nil || o == nil {
		return k == o
	}

	if k.Network == nil || o.Network == nil ||
		k.Network.Name != o.Network.Name {

		return false
	}

	return k.AppKey.IsEqual(o.AppKey) &&
		k.HardwareKey.IsEqual(o.HardwareKey) &&
		k.ServerKey.IsEqual(o.ServerKey)
}

// HasKey returns true if pub is one of the keyset's keys.
func (k *SpendingKeyset) HasKey(pub *btcec.PublicKey) bool {
	if pub == nil {
		return false
	}

	return pub.IsEqual(k.AppKey) || pub.IsEqual(k.HardwareKey) ||
		pub.IsEqual(k.ServerKey)
}

// sortedKeys returns the serialized keys in lexicographical order, the order
// they appear in the witness script.
func (k *SpendingKeyset) sortedKeys() [][]byte {
	keys := [][]byte{
		k.AppKey.SerializeCompressed(),
		k.HardwareKey.SerializeCompressed(),
		k.ServerKey.SerializeCompressed(),
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})

	return keys
}

// WitnessScript returns the sorted 2-of-3 OP_CHECKMULTISIG script guarding
// the keyset's outputs.
func (k *SpendingKeyset) WitnessScript() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	for _, key := range k.sortedKeys() {
		bldr.AddData(key)
	}
	bldr.AddOp(txscript.OP_3)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

// PkScript returns the p2wsh output script paying to the keyset.
func (k *SpendingKeyset) PkScript() ([]byte, error) {
	witnessScript, err := k.WitnessScript()
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(scriptHash[:])

	return bldr.Script()
}

// Address returns the p2wsh address of the keyset.
func (k *SpendingKeyset) Address() (btcutil.Address, error) {
	witnessScript, err := k.WitnessScript()
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], k.Network,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to derive keyset address: %w",
			err)
	}

	return addr, nil
}

// KeyIndex returns the position of pub within the witness script, or -1 if
// the key is not part of the keyset.
func (k *SpendingKeyset) KeyIndex(pub *btcec.PublicKey) int {
	if pub == nil {
		return -1
	}

	target := pub.SerializeCompressed()
	for i, key := range k.sortedKeys() {
		if bytes.Equal(key, target) {
			return i
		}
	}

	return -1
}
