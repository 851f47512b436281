package sweep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
)

var (
	// ErrMissingHardwareSignature is returned when a sweep that needs the
	// hardware factor is signed without its signatures.
	ErrMissingHardwareSignature = errors.New("hardware signature missing")

	// ErrPacketMismatch is returned when a signed packet does not spend
	// the same transaction as the planned one.
	ErrPacketMismatch = errors.New("signed packet does not match sweep")

	// ErrNotEnoughSignatures is returned when an input cannot be
	// finalized with the collected signatures.
	ErrNotEnoughSignatures = errors.New("not enough signatures to " +
		"finalize input")
)

// BroadcastError reports the sweeps that could not be broadcast. The
// remaining sweeps of the plan were published.
type BroadcastError struct {
	// Failed maps keyset id to the reason its sweep failed.
	Failed map[string]error

	// Broadcast lists the keysets whose sweep was published.
	Broadcast []string
}

// FailedKeysets returns the ids of the failed keysets in order.
func (e *BroadcastError) FailedKeysets() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Error returns a human readable description of the error.
func (e *BroadcastError) Error() string {
	ids := e.FailedKeysets()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%v: %v", id, e.Failed[id]))
	}

	return fmt.Sprintf("%d of %d sweeps failed: %v", len(ids),
		len(ids)+len(e.Broadcast), strings.Join(parts, "; "))
}

// Unwrap returns the per keyset failures.
func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.FailedKeysets() {
		errs = append(errs, e.Failed[id])
	}

	return errs
}

// ExecutorConfig holds the collaborators of the executor.
type ExecutorConfig struct {
	// Account is the account being swept.
	Account ledger.AccountID

	// Wallet provides the server cosignature.
	Wallet ledger.WalletClient

	// Ring holds the app's spending keys.
	Ring *keychain.KeyRing

	// Chain publishes the final transactions.
	Chain ChainBackend

	// Label is attached to every published transaction.
	Label string
}

// Executor signs and broadcasts sweeps.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{cfg: cfg}
}

// SignKeyset collects the signatures for one sweep and returns the final
// transaction. The hardware packet, if any, is merged first; the app signs
// next and the server cosigns when two signatures are still missing.
func (e *Executor) SignKeyset(ctx context.Context, sweep *KeysetSweep,
	hw fn.Option[*psbt.Packet]) (*wire.MsgTx, error) {

	if sweep.NeedsHardware && hw.IsNone() {
		return nil, ErrMissingHardwareSignature
	}

	packet, err := keychain.ClonePacket(sweep.Packet)
	if err != nil {
		return nil, err
	}

	if hwPacket := hw.UnwrapOr(nil); hwPacket != nil {
		if err := mergePartialSigs(packet, hwPacket); err != nil {
			return nil, err
		}
	}

	if _, err := e.cfg.Ring.SignPsbt(packet); err != nil {
		return nil, fmt.Errorf("app signing failed: %w", err)
	}

	if keychain.SignerCount(packet) < keyset.RequiredSigs {
		packet, err = e.cfg.Wallet.CosignPsbt(
			ctx, e.cfg.Account, sweep.Keyset.ID, packet,
		)
		if err != nil {
			return nil, fmt.Errorf("server cosigning failed: %w",
				err)
		}
	}

	if err := keychain.VerifyPartialSigs(packet); err != nil {
		return nil, err
	}

	return finalizeMultiSig(sweep.Keyset, packet)
}

// SignAndBroadcast signs every sweep of the plan and publishes it. A failing
// sweep does not stop the others; the failures are collected in a
// *BroadcastError.
func (e *Executor) SignAndBroadcast(ctx context.Context, plan *Plan,
	hwSigs map[string]*psbt.Packet) error {

	result := &BroadcastError{Failed: make(map[string]error)}
	for _, sweep := range plan.Sweeps {
		id := sweep.Keyset.ID

		hw := fn.None[*psbt.Packet]()
		if packet, ok := hwSigs[id]; ok {
			hw = fn.Some(packet)
		}

		tx, err := e.SignKeyset(ctx, sweep, hw)
		if err == nil {
			log.Tracef("Sweep transaction of keyset %v: %v", id,
				spewClosure(tx))

			err = e.cfg.Chain.PublishTransaction(
				ctx, tx, e.cfg.Label,
			)
		}
		if err != nil {
			log.Errorf("Sweep of keyset %v failed: %v", id, err)
			result.Failed[id] = err

			continue
		}

		log.Infof("Published sweep %v of keyset %v", tx.TxHash(), id)
		result.Broadcast = append(result.Broadcast, id)
	}

	if len(result.Failed) > 0 {
		return result
	}

	return nil
}

// mergePartialSigs copies the partial signatures of signed into packet. Both
// must spend the same transaction.
func mergePartialSigs(packet, signed *psbt.Packet) error {
	if packet.UnsignedTx.TxHash() != signed.UnsignedTx.TxHash() ||
		len(packet.Inputs) != len(signed.Inputs) {

		return ErrPacketMismatch
	}

	for i := range signed.Inputs {
		in := &packet.Inputs[i]
		for _, ps := range signed.Inputs[i].PartialSigs {
			if hasSigFrom(in, ps.PubKey) {
				continue
			}
			in.PartialSigs = append(in.PartialSigs, ps)
		}
	}

	return nil
}

func hasSigFrom(in *psbt.PInput, pub []byte) bool {
	for _, ps := range in.PartialSigs {
		if bytes.Equal(ps.PubKey, pub) {
			return true
		}
	}

	return false
}

// finalizeMultiSig builds the witness of every input from the partial
// signatures. CHECKMULTISIG expects the signatures in the order of their keys
// in the script.
func finalizeMultiSig(ks *keyset.SpendingKeyset,
	packet *psbt.Packet) (*wire.MsgTx, error) {

	tx := packet.UnsignedTx.Copy()
	for i := range packet.Inputs {
		in := &packet.Inputs[i]

		type indexedSig struct {
			index int
			sig   []byte
		}
		sigs := make([]indexedSig, 0, len(in.PartialSigs))
		for _, ps := range in.PartialSigs {
			pub, err := btcec.ParsePubKey(ps.PubKey)
			if err != nil {
				return nil, err
			}

			idx := ks.KeyIndex(pub)
			if idx < 0 {
				return nil, fmt.Errorf("input %d: %w", i,
					keychain.ErrForeignSigner)
			}
			sigs = append(sigs, indexedSig{idx, ps.Signature})
		}

		if len(sigs) < keyset.RequiredSigs {
			return nil, fmt.Errorf("input %d: %w (have %d)", i,
				ErrNotEnoughSignatures, len(sigs))
		}

		sort.Slice(sigs, func(a, b int) bool {
			return sigs[a].index < sigs[b].index
		})

		witness := wire.TxWitness{nil}
		for _, s := range sigs[:keyset.RequiredSigs] {
			witness = append(witness, s.sig)
		}
		witness = append(witness, in.WitnessScript)

		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}
