package lncfg

import "fmt"

// DefaultConsumedSessionCache is the default number of consumed comms
// sessions remembered locally.
const DefaultConsumedSessionCache = 128

// Comms configures the comms verification coordinator.
//
//nolint:lll
type Comms struct {
	ConsumedSessionCache int `long:"consumedsessioncache" description:"Number of consumed verification sessions remembered to reject reuse without a server round trip."`
}

// DefaultComms returns the default comms config.
func DefaultComms() *Comms {
	return &Comms{
		ConsumedSessionCache: DefaultConsumedSessionCache,
	}
}

// Validate checks the comms options.
func (c *Comms) Validate() error {
	if c.ConsumedSessionCache <= 0 {
		return fmt.Errorf("comms.consumedsessioncache must be positive")
	}

	return nil
}
