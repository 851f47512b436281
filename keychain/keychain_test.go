package keychain

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/possession"
	"github.com/stretchr/testify/require"
)

type testSetup struct {
	ring   *KeyRing
	device *SoftwareDevice
	server *btcec.PrivateKey
	ks     *keyset.SpendingKeyset
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	ring := NewKeyRing()
	app, err := ring.DeriveNextKey(KeyFamilySpending)
	require.NoError(t, err)

	device, err := NewSoftwareDevice()
	require.NoError(t, err)

	server, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &testSetup{
		ring:   ring,
		device: device,
		server: server,
		ks: &keyset.SpendingKeyset{
			ID:          "ks",
			AppKey:      app.PubKey,
			HardwareKey: device.SpendingKey(),
			ServerKey:   server.PubKey(),
			Network:     &chaincfg.RegressionNetParams,
		},
	}
}

// newSpendPacket builds a packet spending two outputs of the keyset.
func newSpendPacket(t *testing.T, ks *keyset.SpendingKeyset) *psbt.Packet {
	t.Helper()

	pkScript, err := ks.PkScript()
	require.NoError(t, err)
	witnessScript, err := ks.WitnessScript()
	require.NoError(t, err)

	ops := []*wire.OutPoint{
		{Hash: chainhash.Hash{1}, Index: 0},
		{Hash: chainhash.Hash{2}, Index: 1},
	}
	out := wire.NewTxOut(150_000, pkScript)

	packet, err := psbt.New(
		ops, []*wire.TxOut{out}, 2, 0,
		[]uint32{wire.MaxTxInSequenceNum, wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)

	for i := range packet.Inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(
			int64(100_000*(i+1)), pkScript,
		)
		packet.Inputs[i].WitnessScript = witnessScript
	}

	return packet
}

// TestKeyRingSignPsbt checks that the ring signs every keyset input once and
// that the resulting signatures verify.
func TestKeyRingSignPsbt(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t)
	packet := newSpendPacket(t, s.ks)

	n, err := s.ring.SignPsbt(packet)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, SignerCount(packet))
	require.NoError(t, VerifyPartialSigs(packet))

	// Signing again is a no-op.
	n, err = s.ring.SignPsbt(packet)
	require.NoError(t, err)
	require.Zero(t, n)

	// The device adds its own signature without touching the input.
	signed, err := s.device.SignPsbt(context.Background(), packet)
	require.NoError(t, err)
	require.Equal(t, 2, SignerCount(signed))
	require.Equal(t, 1, SignerCount(packet))
	require.NoError(t, VerifyPartialSigs(signed))
}

// TestVerifyPartialSigsRejectsTampering makes sure corrupted or foreign
// signatures are reported rather than ignored.
func TestVerifyPartialSigsRejectsTampering(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t)

	t.Run("flipped byte", func(t *testing.T) {
		packet := newSpendPacket(t, s.ks)
		_, err := s.ring.SignPsbt(packet)
		require.NoError(t, err)

		sig := packet.Inputs[1].PartialSigs[0].Signature
		sig[10] ^= 0x01

		require.ErrorIs(
			t, VerifyPartialSigs(packet), ErrInvalidPartialSig,
		)
	})

	t.Run("signature moved to other input", func(t *testing.T) {
		packet := newSpendPacket(t, s.ks)
		_, err := s.ring.SignPsbt(packet)
		require.NoError(t, err)

		in := packet.Inputs
		in[0].PartialSigs, in[1].PartialSigs = in[1].PartialSigs,
			in[0].PartialSigs

		require.ErrorIs(
			t, VerifyPartialSigs(packet), ErrInvalidPartialSig,
		)
	})

	t.Run("foreign key", func(t *testing.T) {
		packet := newSpendPacket(t, s.ks)
		other, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		packet.Inputs[0].PartialSigs = append(
			packet.Inputs[0].PartialSigs, &psbt.PartialSig{
				PubKey:    other.PubKey().SerializeCompressed(),
				Signature: []byte{0x30, 0x01},
			},
		)

		require.ErrorIs(
			t, VerifyPartialSigs(packet), ErrForeignSigner,
		)
	})

	t.Run("missing utxo", func(t *testing.T) {
		packet := newSpendPacket(t, s.ks)
		packet.Inputs[1].WitnessUtxo = nil

		_, err := s.ring.SignPsbt(packet)
		require.ErrorIs(t, err, ErrMissingWitnessUtxo)
	})
}

// TestKeyRingPossession makes sure possession proofs only come from keys the
// ring holds.
func TestKeyRingPossession(t *testing.T) {
	t.Parallel()

	ring := NewKeyRing()
	auth, err := ring.DeriveNextKey(KeyFamilyAuth)
	require.NoError(t, err)
	require.True(t, ring.HasKey(auth.PubKey))

	challenge := []byte("challenge")
	proof, err := ring.ProvePossession(
		keyset.FactorApp, auth.PubKey, challenge,
	)
	require.NoError(t, err)
	require.NoError(t, possession.Verify(
		proof, challenge, keyset.FactorApp, auth.PubKey,
	))

	ring.Forget(auth.PubKey)
	require.False(t, ring.HasKey(auth.PubKey))
	require.False(t, ring.HasKey(nil))

	_, err = ring.ProvePossession(
		keyset.FactorApp, auth.PubKey, challenge,
	)
	require.ErrorIs(t, err, ErrUnknownKey)
}

// TestSoftwareDevicePossession checks the device signs with its auth key.
func TestSoftwareDevicePossession(t *testing.T) {
	t.Parallel()

	device, err := NewSoftwareDevice()
	require.NoError(t, err)

	challenge := []byte("hw-challenge")
	sig, err := device.ProvePossession(context.Background(), challenge)
	require.NoError(t, err)

	proof := possession.NewProof(
		keyset.FactorHardware, device.AuthKey(), sig,
	)
	require.NoError(t, possession.Verify(
		proof, challenge, keyset.FactorHardware, device.AuthKey(),
	))
}
