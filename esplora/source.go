package esplora

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/sweep"
)

// ChainSource serves the sweeper and the fee estimator from an Esplora
// client.
type ChainSource struct {
	client *Client
}

// A compile-time check to ensure ChainSource implements the interfaces it
// backs.
var (
	_ sweep.ChainBackend = (*ChainSource)(nil)
	_ chainfee.FeeSource = (*ChainSource)(nil)
)

// NewChainSource creates a chain source.
func NewChainSource(client *Client) *ChainSource {
	return &ChainSource{client: client}
}

// UnspentOutputs returns the outputs paying to the keyset's address.
func (s *ChainSource) UnspentOutputs(ctx context.Context,
	ks *keyset.SpendingKeyset) ([]sweep.UTXO, error) {

	addr, err := ks.Address()
	if err != nil {
		return nil, err
	}

	utxos, err := s.client.AddressUTXOs(ctx, addr.EncodeAddress())
	if err != nil {
		return nil, err
	}

	unspent := make([]sweep.UTXO, 0, len(utxos))
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q: %w", u.TxID,
				err)
		}

		var height int32
		if u.Status.Confirmed {
			height = int32(u.Status.BlockHeight)
		}

		unspent = append(unspent, sweep.UTXO{
			OutPoint: wire.OutPoint{Hash: *hash, Index: u.Vout},
			Value:    btcutil.Amount(u.Value),
			Height:   height,
		})
	}

	log.Debugf("Keyset %v holds %d unspent outputs", ks.ID, len(unspent))

	return unspent, nil
}

// PublishTransaction broadcasts the transaction.
func (s *ChainSource) PublishTransaction(ctx context.Context, tx *wire.MsgTx,
	label string) error {

	txid, err := s.client.BroadcastTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("unable to broadcast %v (%v): %w",
			tx.TxHash(), label, err)
	}

	if *txid != tx.TxHash() {
		log.Warnf("Esplora reported txid %v for transaction %v", txid,
			tx.TxHash())
	}

	log.Infof("Broadcast transaction %v (%v)", txid, label)

	return nil
}

// FeeEstimates returns the API's fee estimates in sat/vB.
func (s *ChainSource) FeeEstimates(
	ctx context.Context) (map[uint32]float64, error) {

	return s.client.FeeEstimates(ctx)
}
