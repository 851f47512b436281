package keychain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMissingWitnessUtxo is returned when an input does not carry the
	// output it spends.
	ErrMissingWitnessUtxo = errors.New("psbt input missing witness utxo")

	// ErrMissingWitnessScript is returned when an input does not carry
	// the script it spends.
	ErrMissingWitnessScript = errors.New("psbt input missing witness " +
		"script")

	// ErrInvalidPartialSig is returned when a partial signature does not
	// verify against the input it was attached to.
	ErrInvalidPartialSig = errors.New("invalid partial signature")

	// ErrForeignSigner is returned when a partial signature is made by a
	// key that is not part of the input's witness script.
	ErrForeignSigner = errors.New("partial signature from key not in " +
		"witness script")
)

// ClonePacket returns a deep copy of the packet.
func ClonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var b bytes.Buffer
	if err := packet.Serialize(&b); err != nil {
		return nil, err
	}

	return psbt.NewFromRawBytes(&b, false)
}

// PrevOutFetcher builds a prevout fetcher from the witness utxos of the
// packet.
func PrevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher,
	error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[i]
		if in.WitnessUtxo == nil {
			return nil, fmt.Errorf("input %d: %w", i,
				ErrMissingWitnessUtxo)
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)
	}

	return fetcher, nil
}

// scriptHasKey returns true if the key is pushed somewhere in the script.
func scriptHasKey(script []byte, pub []byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if bytes.Equal(tokenizer.Data(), pub) {
			return true
		}
	}

	return false
}

func hasPartialSig(in *psbt.PInput, pub []byte) bool {
	for _, ps := range in.PartialSigs {
		if bytes.Equal(ps.PubKey, pub) {
			return true
		}
	}

	return false
}

// SignPsbtInputs attaches a SIGHASH_ALL partial signature by priv to every
// input whose witness script commits to the key. Inputs that already carry a
// signature by the key are skipped. It returns the number of inputs signed.
func SignPsbtInputs(packet *psbt.Packet, priv *btcec.PrivateKey) (int,
	error) {

	fetcher, err := PrevOutFetcher(packet)
	if err != nil {
		return 0, err
	}

	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pub := priv.PubKey().SerializeCompressed()

	var signed int
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if len(in.WitnessScript) == 0 {
			return signed, fmt.Errorf("input %d: %w", i,
				ErrMissingWitnessScript)
		}

		if !scriptHasKey(in.WitnessScript, pub) ||
			hasPartialSig(in, pub) {

			continue
		}

		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, i, in.WitnessUtxo.Value,
			in.WitnessScript, txscript.SigHashAll, priv,
		)
		if err != nil {
			return signed, fmt.Errorf("unable to sign input %d: %w",
				i, err)
		}

		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    pub,
			Signature: sig,
		})
		in.SighashType = txscript.SigHashAll
		signed++
	}

	return signed, nil
}

// VerifyPartialSigs checks every partial signature attached to the packet.
// A signature that fails to verify is never silently dropped.
func VerifyPartialSigs(packet *psbt.Packet) error {
	fetcher, err := PrevOutFetcher(packet)
	if err != nil {
		return err
	}

	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		for _, ps := range in.PartialSigs {
			err := verifyPartialSig(tx, sigHashes, i, in, ps)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
		}
	}

	return nil
}

func verifyPartialSig(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes,
	idx int, in *psbt.PInput, ps *psbt.PartialSig) error {

	if !scriptHasKey(in.WitnessScript, ps.PubKey) {
		return ErrForeignSigner
	}
	if len(ps.Signature) < 2 {
		return ErrInvalidPartialSig
	}

	pub, err := btcec.ParsePubKey(ps.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPartialSig, err)
	}

	der := ps.Signature[:len(ps.Signature)-1]
	hashType := txscript.SigHashType(ps.Signature[len(ps.Signature)-1])

	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPartialSig, err)
	}

	digest, err := txscript.CalcWitnessSigHash(
		in.WitnessScript, sigHashes, hashType, tx, idx,
		in.WitnessUtxo.Value,
	)
	if err != nil {
		return err
	}

	if !sig.Verify(digest, pub) {
		return ErrInvalidPartialSig
	}

	return nil
}

// SignerCount returns the smallest number of partial signatures present on
// any input of the packet.
func SignerCount(packet *psbt.Packet) int {
	if len(packet.Inputs) == 0 {
		return 0
	}

	count := len(packet.Inputs[0].PartialSigs)
	for _, in := range packet.Inputs[1:] {
		if len(in.PartialSigs) < count {
			count = len(in.PartialSigs)
		}
	}

	return count
}
