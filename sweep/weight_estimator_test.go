package sweep

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/stretchr/testify/require"
)

// p2wshScriptLen is the length of a p2wsh output script.
const p2wshScriptLen = 34

// witnessScriptLen is the length of a 2-of-3 witness script.
const witnessScriptLen = 105

// TestWeightEstimator checks the weight of a single input keyset sweep.
func TestWeightEstimator(t *testing.T) {
	t.Parallel()

	w := newWeightEstimator(1000, 0)
	w.addMultiSigInput(witnessScriptLen)
	w.addOutput(&wire.TxOut{PkScript: make([]byte, p2wshScriptLen)})

	// Non witness part: 8 bytes of version and locktime, one byte for
	// each count, a 41 byte input and a 43 byte output.
	nonWitness := int64((8 + 1 + 1 + 41 + 43) * 4)

	// Witness: marker and flag, then the item count, the dummy element,
	// two signatures and the script.
	witness := int64(2 + 1 + 1 + 2*74 + 1 + witnessScriptLen)

	require.Equal(t, nonWitness+witness, w.weight())
	require.EqualValues(t, w.weight(), w.fee())

	// Every additional input adds its non witness size and a witness.
	w.addMultiSigInput(witnessScriptLen)
	require.Equal(
		t, nonWitness+witness+41*4+witness-2, w.weight(),
	)
}

// TestWeightEstimatorMaxFee checks that the fee is capped by the max fee
// rate.
func TestWeightEstimatorMaxFee(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		feeRate    chainfee.SatPerKWeight
		maxFeeRate chainfee.SatPerKWeight
		capped     bool
	}{
		{
			name:    "no cap",
			feeRate: 50_000,
		},
		{
			name:       "below cap",
			feeRate:    1000,
			maxFeeRate: 2000,
		},
		{
			name:       "above cap",
			feeRate:    10_000,
			maxFeeRate: 2000,
			capped:     true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := newWeightEstimator(tc.feeRate, tc.maxFeeRate)
			w.addMultiSigInput(witnessScriptLen)
			w.addOutput(&wire.TxOut{
				PkScript: make([]byte, p2wshScriptLen),
			})

			expected := tc.feeRate.FeeForWeight(w.weight())
			if tc.capped {
				expected = tc.maxFeeRate.FeeForWeight(
					w.weight(),
				)
			}
			require.Equal(t, expected, w.fee())
		})
	}
}
