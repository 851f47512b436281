package lncfg

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times to retry
	// a failed request before giving up.
	DefaultEsploraMaxRetries = 3

	// DefaultEsploraFeeRefresh is how often fee estimates are refreshed.
	DefaultEsploraFeeRefresh = 5 * time.Minute
)

// Esplora holds the configuration options for the connection to an Esplora
// HTTP API server (e.g., mempool.space, blockstream.info, or a local electrs
// instance) used to look up stale keyset balances and broadcast sweeps.
//
//nolint:lll
type Esplora struct {
	URL            string        `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`
	MaxRetries     int           `long:"maxretries" description:"Maximum number of times to retry a failed request."`
	FeeRefresh     time.Duration `long:"feerefresh" description:"Interval at which fee estimates are refreshed."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		RequestTimeout: DefaultEsploraRequestTimeout,
		MaxRetries:     DefaultEsploraMaxRetries,
		FeeRefresh:     DefaultEsploraFeeRefresh,
	}
}

// Validate checks the Esplora options. An empty URL disables the backend.
func (e *Esplora) Validate() error {
	if e.URL != "" {
		u, err := url.Parse(e.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("esplora.url %q is not a valid URL",
				e.URL)
		}
	}

	if e.RequestTimeout <= 0 {
		return fmt.Errorf("esplora.requesttimeout must be positive")
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("esplora.maxretries must not be negative")
	}

	if e.FeeRefresh <= 0 {
		return fmt.Errorf("esplora.feerefresh must be positive")
	}

	return nil
}
