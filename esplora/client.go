// Package esplora talks to an Esplora REST API. It provides the balance
// queries and broadcasts of the sweeper along with fee estimates.
package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// retryBaseDelay is the delay before the first retry. Every further
	// retry waits one more multiple of it.
	retryBaseDelay = 100 * time.Millisecond
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("esplora client has been shut down")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")
)

// APIError is returned when the API answers with a non-200 status.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Body is the response body, usually a plain text reason.
	Body string
}

// Error returns a human readable description of the error.
func (e *APIError) Error() string {
	return fmt.Sprintf("esplora returned status %d: %s", e.StatusCode,
		strings.TrimSpace(e.Body))
}

// temporary returns true if the request may succeed when retried.
func (e *APIError) temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	quit chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		quit: make(chan struct{}),
	}
}

// Stop aborts in-flight retries. Requests made afterwards fail with
// ErrClientShutdown.
func (c *Client) Stop() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// doRequest performs an HTTP request with retries and returns the body of a
// 200 response. Transport failures and temporary API errors are retried.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	url := strings.TrimSuffix(c.cfg.URL, "/") + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * retryBaseDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.quit:
				return nil, ErrClientShutdown
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		respBody, err := c.roundTrip(ctx, method, url, body)
		if err == nil {
			return respBody, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.temporary() {
			return nil, err
		}

		log.Debugf("%v %v failed (attempt %d): %v", method, path, i+1,
			err)

		lastErr = err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// roundTrip performs a single request.
func (c *Client) roundTrip(ctx context.Context, method, url string,
	body []byte) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	return respBody, nil
}

// getJSON performs a GET request and decodes the JSON response into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// TipHeight returns the current blockchain tip height.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.doRequest(
		ctx, http.MethodGet, "/blocks/tip/height", nil,
	)
	if err != nil {
		return 0, err
	}

	tip := strings.TrimSpace(string(body))
	height, err := strconv.ParseInt(tip, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// AddressUTXOs fetches unspent outputs for an address.
func (c *Client) AddressUTXOs(ctx context.Context,
	address string) ([]*UTXO, error) {

	var utxos []*UTXO
	err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos)
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// TxStatus fetches the confirmation status of a transaction.
func (c *Client) TxStatus(ctx context.Context,
	txid chainhash.Hash) (*TxStatus, error) {

	var status TxStatus
	err := c.getJSON(ctx, "/tx/"+txid.String()+"/status", &status)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// FeeEstimates returns the fee rate estimate in sat/vB for every confirmation
// target the API knows about.
func (c *Client) FeeEstimates(ctx context.Context) (map[uint32]float64,
	error) {

	// Keys are confirmation targets (as strings), values are fee rates
	// in sat/vB.
	var raw map[string]float64
	if err := c.getJSON(ctx, "/fee-estimates", &raw); err != nil {
		return nil, err
	}

	estimates := make(map[uint32]float64, len(raw))
	for target, rate := range raw {
		n, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			log.Warnf("Skipping fee estimate with invalid target "+
				"%q", target)

			continue
		}
		estimates[uint32(n)] = rate
	}

	return estimates, nil
}

// BroadcastTx broadcasts a wire.MsgTx to the network and returns the txid
// reported by the API.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	body, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}
