package sweep

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/chainfee"
)

const (
	// baseTxSize is the size of the version and locktime fields.
	baseTxSize = 4 + 4

	// witnessHeaderWeight is the weight of the segwit marker and flag.
	witnessHeaderWeight = 2

	// inputSize is the non-witness size of an input: outpoint, empty
	// script sig length and sequence.
	inputSize = 32 + 4 + 1 + 4

	// maxDERSigSize is the largest DER signature plus sighash byte.
	maxDERSigSize = 73
)

// multiSigWitnessSize returns the witness size of a 2-of-n multisig spend:
// item count, the empty dummy element, two signatures and the script.
func multiSigWitnessSize(witnessScriptLen int) int64 {
	return 1 + 1 + 2*(1+maxDERSigSize) +
		int64(wire.VarIntSerializeSize(uint64(witnessScriptLen))) +
		int64(witnessScriptLen)
}

// weightEstimator estimates the weight of a sweep transaction spending
// keyset multisig outputs.
type weightEstimator struct {
	numInputs     int
	numOutputs    int
	witnessWeight int64
	outputSize    int64

	feeRate chainfee.SatPerKWeight

	// maxFeeRate is the max allowed fee rate configured by the user.
	maxFeeRate chainfee.SatPerKWeight
}

// newWeightEstimator instantiates a new sweeper weight estimator.
func newWeightEstimator(
	feeRate, maxFeeRate chainfee.SatPerKWeight) *weightEstimator {

	return &weightEstimator{
		feeRate:    feeRate,
		maxFeeRate: maxFeeRate,
	}
}

// addMultiSigInput adds a p2wsh multisig input spending the given witness
// script.
func (w *weightEstimator) addMultiSigInput(witnessScriptLen int) {
	w.numInputs++
	w.witnessWeight += multiSigWitnessSize(witnessScriptLen)
}

// addOutput updates the weight estimate to account for the known output
// given.
func (w *weightEstimator) addOutput(txOut *wire.TxOut) {
	w.numOutputs++
	w.outputSize += 8 +
		int64(wire.VarIntSerializeSize(uint64(len(txOut.PkScript)))) +
		int64(len(txOut.PkScript))
}

// weight gets the estimated weight of the transaction.
func (w *weightEstimator) weight() int64 {
	size := int64(baseTxSize) +
		int64(wire.VarIntSerializeSize(uint64(w.numInputs))) +
		int64(wire.VarIntSerializeSize(uint64(w.numOutputs))) +
		int64(w.numInputs)*inputSize + w.outputSize

	weight := size * blockchain.WitnessScaleFactor
	if w.witnessWeight > 0 {
		weight += witnessHeaderWeight + w.witnessWeight
	}

	return weight
}

// fee returns the tx fee for the estimated weight, clamped to the max fee
// rate.
func (w *weightEstimator) fee() btcutil.Amount {
	weight := w.weight()
	fee := w.feeRate.FeeForWeight(weight)

	// Exit early if maxFeeRate is not set.
	if w.maxFeeRate == 0 {
		return fee
	}

	maxFee := w.maxFeeRate.FeeForWeight(weight)
	if fee > maxFee {
		log.Warnf("Fee rate %v exceeds max allowed fee rate %v, "+
			"returning fee %v instead of %v", w.feeRate,
			w.maxFeeRate, maxFee, fee)

		fee = maxFee
	}

	return fee
}
