package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultPollInterval is how often the recovery status is polled.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxBackoff caps the retry backoff of a failing poll.
	DefaultMaxBackoff = 10 * time.Minute
)

// Recovery configures the recovery coordinator.
//
//nolint:lll
type Recovery struct {
	PollInterval time.Duration `long:"pollinterval" description:"Interval at which the recovery status is polled."`
	MaxBackoff   time.Duration `long:"maxbackoff" description:"Maximum backoff between failed status polls."`
}

// DefaultRecovery returns the default recovery config.
func DefaultRecovery() *Recovery {
	return &Recovery{
		PollInterval: DefaultPollInterval,
		MaxBackoff:   DefaultMaxBackoff,
	}
}

// Validate checks the recovery options.
func (r *Recovery) Validate() error {
	if r.PollInterval <= 0 {
		return fmt.Errorf("recovery.pollinterval must be positive")
	}

	if r.MaxBackoff < r.PollInterval {
		return fmt.Errorf("recovery.maxbackoff (%v) must not be "+
			"smaller than recovery.pollinterval (%v)",
			r.MaxBackoff, r.PollInterval)
	}

	return nil
}
