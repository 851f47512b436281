package keyset

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

func newTestKeyset(t *testing.T) *SpendingKeyset {
	return &SpendingKeyset{
		ID:          "ks-1",
		AppKey:      newKey(t),
		HardwareKey: newKey(t),
		ServerKey:   newKey(t),
		Network:     &chaincfg.RegressionNetParams,
	}
}

// TestWitnessScriptLayout asserts the keyset script is a sorted 2-of-3
// multisig.
func TestWitnessScriptLayout(t *testing.T) {
	t.Parallel()

	ks := newTestKeyset(t)

	script, err := ks.WitnessScript()
	require.NoError(t, err)

	// OP_2 + 3*(push33) + OP_3 + OP_CHECKMULTISIG.
	require.Len(t, script, 1+3*34+1+1)
	require.Equal(t, byte(txscript.OP_2), script[0])
	require.Equal(t, byte(txscript.OP_3), script[len(script)-2])
	require.Equal(
		t, byte(txscript.OP_CHECKMULTISIG), script[len(script)-1],
	)

	// Swapping the roles of the keys must not change the script since
	// the keys are sorted.
	swapped := &SpendingKeyset{
		AppKey:      ks.ServerKey,
		HardwareKey: ks.AppKey,
		ServerKey:   ks.HardwareKey,
		Network:     ks.Network,
	}
	swappedScript, err := swapped.WitnessScript()
	require.NoError(t, err)
	require.Equal(t, script, swappedScript)

	// Every key must be found in the script.
	seen := make(map[int]bool)
	for _, key := range []*btcec.PublicKey{
		ks.AppKey, ks.HardwareKey, ks.ServerKey,
	} {
		idx := ks.KeyIndex(key)
		require.GreaterOrEqual(t, idx, 0)
		seen[idx] = true
	}
	require.Len(t, seen, 3)
	require.Equal(t, -1, ks.KeyIndex(newKey(t)))
}

// TestAddressMatchesPkScript makes sure the address and the raw output script
// agree.
func TestAddressMatchesPkScript(t *testing.T) {
	t.Parallel()

	ks := newTestKeyset(t)

	addr, err := ks.Address()
	require.NoError(t, err)

	fromAddr, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	pkScript, err := ks.PkScript()
	require.NoError(t, err)
	require.Equal(t, fromAddr, pkScript)
	require.True(t, txscript.IsPayToWitnessScriptHash(pkScript))
}

// TestValidate checks the keyset validation rules.
func TestValidate(t *testing.T) {
	t.Parallel()

	ks := newTestKeyset(t)
	require.NoError(t, ks.Validate())

	missing := *ks
	missing.ServerKey = nil
	require.ErrorIs(t, missing.Validate(), ErrMissingKey)

	dup := *ks
	dup.HardwareKey = dup.AppKey
	require.ErrorIs(t, dup.Validate(), ErrDuplicateKey)

	noNet := *ks
	noNet.Network = nil
	require.ErrorIs(t, noNet.Validate(), ErrMissingNetwork)

	_, err := dup.WitnessScript()
	require.ErrorIs(t, err, ErrDuplicateKey)
}

// TestEqual checks keyset equality ignores the id.
func TestEqual(t *testing.T) {
	t.Parallel()

	ks := newTestKeyset(t)
	other := *ks
	other.ID = "ks-2"
	require.True(t, ks.Equal(&other))

	other.AppKey = newKey(t)
	require.False(t, ks.Equal(&other))

	var nilKs *SpendingKeyset
	require.False(t, ks.Equal(nilKs))
	require.True(t, nilKs.Equal(nil))
}

// TestFactor covers the factor helpers.
func TestFactor(t *testing.T) {
	t.Parallel()

	require.Equal(t, FactorHardware, FactorApp.Other())
	require.Equal(t, FactorApp, FactorHardware.Other())
	require.False(t, Factor(7).Valid())

	for _, f := range []Factor{FactorApp, FactorHardware} {
		parsed, err := ParseFactor(f.String())
		require.NoError(t, err)
		require.Equal(t, f, parsed)
	}

	_, err := ParseFactor("phone")
	require.Error(t, err)
}
