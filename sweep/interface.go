package sweep

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/keyset"
)

// UTXO is an unspent output paying to a keyset.
type UTXO struct {
	// OutPoint is the location of the output.
	OutPoint wire.OutPoint

	// Value is the amount held by the output.
	Value btcutil.Amount

	// Height is the confirmation height, zero when unconfirmed.
	Height int32
}

// ChainBackend is the blockchain collaborator of the sweeper.
type ChainBackend interface {
	// UnspentOutputs returns every unspent output paying to the keyset's
	// script.
	UnspentOutputs(ctx context.Context,
		ks *keyset.SpendingKeyset) ([]UTXO, error)

	// PublishTransaction broadcasts the transaction.
	PublishTransaction(ctx context.Context, tx *wire.MsgTx,
		label string) error
}
