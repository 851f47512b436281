package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(&ClientConfig{
		URL:            srv.URL,
		RequestTimeout: time.Second,
		MaxRetries:     2,
	})
	t.Cleanup(client.Stop)

	return client
}

func testKeyset(t *testing.T) *keyset.SpendingKeyset {
	pub := func() *btcec.PublicKey {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		return priv.PubKey()
	}

	return &keyset.SpendingKeyset{
		ID:          "ks",
		AppKey:      pub(),
		HardwareKey: pub(),
		ServerKey:   pub(),
		Network:     &chaincfg.RegressionNetParams,
	}
}

// TestUnspentOutputs checks the conversion of address utxos.
func TestUnspentOutputs(t *testing.T) {
	t.Parallel()

	ks := testKeyset(t)
	addr, err := ks.Address()
	require.NoError(t, err)

	txid := chainhash.Hash{1, 2, 3}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/address/"+addr.EncodeAddress()+"/utxo",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `[
				{"txid": %q, "vout": 1, "value": 5000,
				 "status": {"confirmed": true,
				            "block_height": 120}},
				{"txid": %q, "vout": 0, "value": 700,
				 "status": {"confirmed": false}}
			]`, txid, txid)
		},
	)

	source := NewChainSource(newTestClient(t, mux))
	utxos, err := source.UnspentOutputs(context.Background(), ks)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	require.Equal(t, wire.OutPoint{Hash: txid, Index: 1}, utxos[0].OutPoint)
	require.Equal(t, btcutil.Amount(5000), utxos[0].Value)
	require.EqualValues(t, 120, utxos[0].Height)

	require.Equal(t, btcutil.Amount(700), utxos[1].Value)
	require.Zero(t, utxos[1].Height)
}

// TestFeeEstimates checks that targets are parsed and invalid ones skipped.
func TestFeeEstimates(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		r *http.Request) {

		_, _ = io.WriteString(w, `{"1": 20.5, "6": 8, "144": 1.2, `+
			`"soon": 99}`)
	})

	source := NewChainSource(newTestClient(t, mux))
	estimates, err := source.FeeEstimates(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[uint32]float64{
		1:   20.5,
		6:   8,
		144: 1.2,
	}, estimates)
}

// TestBroadcast checks that the serialized transaction is posted.
func TestBroadcast(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	var expected bytes.Buffer
	require.NoError(t, tx.Serialize(&expected))

	var posted atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		posted.Store(string(body))

		_, _ = io.WriteString(w, tx.TxHash().String())
	})

	source := NewChainSource(newTestClient(t, mux))
	err := source.PublishTransaction(context.Background(), tx, "sweep")
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(expected.Bytes()), posted.Load())
}

// TestRetries checks that temporary failures are retried and permanent ones
// are not.
func TestRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		r *http.Request) {

		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "840000\n")
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad-txns-inputs-missingorspent",
			http.StatusBadRequest)
	})

	client := newTestClient(t, mux)

	height, err := client.TipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 840_000, height)
	require.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	_, err = client.BroadcastTx(context.Background(), wire.NewMsgTx(2))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Contains(t, apiErr.Error(), "missingorspent")
	require.EqualValues(t, 1, calls.Load())
}

// TestTxStatus checks the not found mapping.
func TestTxStatus(t *testing.T) {
	t.Parallel()

	known := chainhash.Hash{9}
	mux := http.NewServeMux()
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx/"+known.String()+"/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"confirmed": true, `+
			`"block_height": 7}`)
	})

	client := newTestClient(t, mux)

	status, err := client.TxStatus(context.Background(), known)
	require.NoError(t, err)
	require.True(t, status.Confirmed)
	require.EqualValues(t, 7, status.BlockHeight)

	_, err = client.TxStatus(context.Background(), chainhash.Hash{1})
	require.ErrorIs(t, err, ErrTxNotFound)
}

// TestStop checks that a stopped client refuses requests.
func TestStop(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.NotFoundHandler())
	client.Stop()
	client.Stop()

	_, err := client.TipHeight(context.Background())
	require.ErrorIs(t, err, ErrClientShutdown)
}
