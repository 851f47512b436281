// Package chainsim is an in-memory blockchain used by simulations and tests.
// Every published transaction is mined into its own block right away, after
// its scripts were run through the script engine.
package chainsim

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/sweep"
)

var (
	// ErrMissingInput is returned for transactions spending an unknown or
	// already spent output.
	ErrMissingInput = errors.New("input missing or spent")

	// ErrNegativeFee is returned for transactions paying out more than
	// they spend.
	ErrNegativeFee = errors.New("outputs exceed inputs")
)

// utxo is an unspent output along with the height it was mined at.
type utxo struct {
	txOut  *wire.TxOut
	height int32
}

// Chain is a simulated blockchain.
type Chain struct {
	mu sync.Mutex

	height int32
	utxos  map[wire.OutPoint]utxo
	txns   map[chainhash.Hash]*wire.MsgTx
	labels map[chainhash.Hash]string

	failNext error
}

// A compile-time check to ensure Chain implements sweep.ChainBackend.
var _ sweep.ChainBackend = (*Chain)(nil)

// New creates an empty chain.
func New() *Chain {
	return &Chain{
		utxos:  make(map[wire.OutPoint]utxo),
		txns:   make(map[chainhash.Hash]*wire.MsgTx),
		labels: make(map[chainhash.Hash]string),
	}
}

// Height returns the current height.
func (c *Chain) Height() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.height
}

// Fund mines a transaction paying amt to the script.
func (c *Chain) Fund(pkScript []byte, amt btcutil.Amount) (wire.OutPoint,
	error) {

	// A random previous outpoint keeps funding transactions unique.
	var prev wire.OutPoint
	if _, err := rand.Read(prev.Hash[:]); err != nil {
		return wire.OutPoint{}, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.mine(tx, "funding")

	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, nil
}

// FundKeyset mines a transaction paying amt to the keyset's address.
func (c *Chain) FundKeyset(ks *keyset.SpendingKeyset,
	amt btcutil.Amount) (wire.OutPoint, error) {

	pkScript, err := ks.PkScript()
	if err != nil {
		return wire.OutPoint{}, err
	}

	return c.Fund(pkScript, amt)
}

// Balance returns the value held by outputs paying to the script.
func (c *Chain) Balance(pkScript []byte) btcutil.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total btcutil.Amount
	for _, u := range c.utxos {
		if string(u.txOut.PkScript) == string(pkScript) {
			total += btcutil.Amount(u.txOut.Value)
		}
	}

	return total
}

// KeysetBalance returns the value held by the keyset.
func (c *Chain) KeysetBalance(ks *keyset.SpendingKeyset) (btcutil.Amount,
	error) {

	pkScript, err := ks.PkScript()
	if err != nil {
		return 0, err
	}

	return c.Balance(pkScript), nil
}

// Transaction returns a mined transaction.
func (c *Chain) Transaction(txid chainhash.Hash) (*wire.MsgTx, string,
	bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txns[txid]

	return tx, c.labels[txid], ok
}

// FailNextPublish makes the next PublishTransaction call fail with err.
func (c *Chain) FailNextPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failNext = err
}

// UnspentOutputs returns the outputs paying to the keyset.
func (c *Chain) UnspentOutputs(_ context.Context,
	ks *keyset.SpendingKeyset) ([]sweep.UTXO, error) {

	pkScript, err := ks.PkScript()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var utxos []sweep.UTXO
	for op, u := range c.utxos {
		if string(u.txOut.PkScript) != string(pkScript) {
			continue
		}

		utxos = append(utxos, sweep.UTXO{
			OutPoint: op,
			Value:    btcutil.Amount(u.txOut.Value),
			Height:   u.height,
		})
	}
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].OutPoint.String() < utxos[j].OutPoint.String()
	})

	return utxos, nil
}

// PublishTransaction validates the transaction against the current utxo set
// and mines it.
func (c *Chain) PublishTransaction(_ context.Context, tx *wire.MsgTx,
	label string) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}

	err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx))
	if err != nil {
		return err
	}

	if err := c.validate(tx); err != nil {
		return err
	}

	c.mine(tx, label)

	return nil
}

// validate checks that every input exists and that its script executes.
//
// NOTE: The caller must hold mu.
func (c *Chain) validate(tx *wire.MsgTx) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)

	var in int64
	for i, txIn := range tx.TxIn {
		u, ok := c.utxos[txIn.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("input %d (%v): %w", i,
				txIn.PreviousOutPoint, ErrMissingInput)
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, u.txOut)
		in += u.txOut.Value
	}

	var out int64
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	if out > in {
		return fmt.Errorf("%w: in=%v out=%v", ErrNegativeFee,
			btcutil.Amount(in), btcutil.Amount(out))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)

		vm, err := txscript.NewEngine(
			prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prev.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

// mine spends the inputs of tx and adds its outputs in a new block.
//
// NOTE: The caller must hold mu.
func (c *Chain) mine(tx *wire.MsgTx, label string) {
	c.height++

	txid := tx.TxHash()
	for _, txIn := range tx.TxIn {
		delete(c.utxos, txIn.PreviousOutPoint)
	}
	for i, txOut := range tx.TxOut {
		c.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = utxo{
			txOut:  txOut,
			height: c.height,
		}
	}
	c.txns[txid] = tx
	c.labels[txid] = label

	log.Debugf("Mined tx %v (%v) at height %d", txid, label, c.height)
}
