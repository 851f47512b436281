package memledger

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
)

// Keysets returns every keyset of the account.
func (l *Ledger) Keysets(_ context.Context,
	id ledger.AccountID) ([]*keyset.SpendingKeyset, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("Keysets"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	return append([]*keyset.SpendingKeyset(nil), acct.keysets...), nil
}

// ActiveKeyset returns the account's active keyset.
func (l *Ledger) ActiveKeyset(_ context.Context,
	id ledger.AccountID) (*keyset.SpendingKeyset, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("ActiveKeyset"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	return acct.active, nil
}

// ownsScript returns true if the output script pays to one of the account's
// keysets.
func (a *account) ownsScript(pkScript []byte) bool {
	for _, ks := range a.keysets {
		script, err := ks.PkScript()
		if err == nil && bytes.Equal(script, pkScript) {
			return true
		}
	}

	return false
}

// CosignPsbt adds the server signature to every input of the packet. The
// server only cosigns transactions that stay inside the account and whose
// existing signatures verify.
func (l *Ledger) CosignPsbt(_ context.Context, id ledger.AccountID,
	keysetID string, packet *psbt.Packet) (*psbt.Packet, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected("CosignPsbt"); err != nil {
		return nil, err
	}

	acct, err := l.account(id)
	if err != nil {
		return nil, err
	}

	serverKey, ok := acct.serverKeys[keysetID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ledger.ErrKeysetNotFound,
			keysetID)
	}

	var ks *keyset.SpendingKeyset
	for _, candidate := range acct.keysets {
		if candidate.ID == keysetID {
			ks = candidate
		}
	}
	witnessScript, err := ks.WitnessScript()
	if err != nil {
		return nil, err
	}

	for i, in := range packet.Inputs {
		if !bytes.Equal(in.WitnessScript, witnessScript) {
			return nil, fmt.Errorf("input %d does not spend keyset "+
				"%v", i, keysetID)
		}
	}
	for i, out := range packet.UnsignedTx.TxOut {
		if !acct.ownsScript(out.PkScript) {
			return nil, fmt.Errorf("%w: output %d",
				ledger.ErrUnauthorizedOutput, i)
		}
	}

	if err := keychain.VerifyPartialSigs(packet); err != nil {
		return nil, err
	}

	signed, err := keychain.ClonePacket(packet)
	if err != nil {
		return nil, err
	}

	if _, err := keychain.SignPsbtInputs(signed, serverKey); err != nil {
		return nil, err
	}

	log.Debugf("Account %v: cosigned %d inputs of keyset %v", id,
		len(signed.Inputs), keysetID)

	return signed, nil
}
