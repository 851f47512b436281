package lncfg

import (
	"fmt"

	"github.com/lightningnetwork/lnrecover/chainfee"
)

const (
	// MaxFeeRateFloor is the smallest config value allowed for the max fee
	// rate in sat/vb.
	MaxFeeRateFloor = 1

	// DefaultSweepConfTarget is the default confirmation target of sweep
	// transactions.
	DefaultSweepConfTarget = 6

	// DefaultSweepMaxFeeRate is the default fee rate cap in sat/vb.
	DefaultSweepMaxFeeRate = 500

	// DefaultSweepLabel labels broadcast sweep transactions.
	DefaultSweepLabel = "lnrecover:sweep"

	// DefaultBalanceWorkers bounds the concurrent balance queries of the
	// sweep generator.
	DefaultBalanceWorkers = 4
)

//nolint:lll
type Sweeper struct {
	ConfTarget     uint32               `long:"conftarget" description:"Confirmation target in blocks used to estimate the sweep fee rate."`
	MaxFeeRate     chainfee.SatPerVByte `long:"maxfeerate" description:"Maximum fee rate in sat/vb that a sweep is allowed to pay."`
	Label          string               `long:"label" description:"Label attached to broadcast sweep transactions."`
	BalanceWorkers int                  `long:"balanceworkers" description:"Maximum number of concurrent keyset balance queries."`
}

// DefaultSweeper returns the default sweeper config.
func DefaultSweeper() *Sweeper {
	return &Sweeper{
		ConfTarget:     DefaultSweepConfTarget,
		MaxFeeRate:     DefaultSweepMaxFeeRate,
		Label:          DefaultSweepLabel,
		BalanceWorkers: DefaultBalanceWorkers,
	}
}

// Validate checks the values configured for the sweeper.
func (s *Sweeper) Validate() error {
	if s.ConfTarget == 0 {
		return fmt.Errorf("sweeper.conftarget must be positive")
	}

	if s.MaxFeeRate < MaxFeeRateFloor {
		return fmt.Errorf("sweeper.maxfeerate must be at least %v "+
			"sat/vb", MaxFeeRateFloor)
	}

	if s.BalanceWorkers <= 0 {
		return fmt.Errorf("sweeper.balanceworkers must be positive")
	}

	return nil
}
