package chainfee

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// maxBlockTarget is the highest confirmation target a SourceEstimator
	// answers for.
	maxBlockTarget uint32 = 1008

	// minBlockTarget is the lowest confirmation target a SourceEstimator
	// answers for.
	minBlockTarget uint32 = 1

	// DefaultRefreshInterval is how often a SourceEstimator refreshes its
	// cached estimates.
	DefaultRefreshInterval = 5 * time.Minute

	// refreshTimeout bounds a single refresh of the fee source.
	refreshTimeout = 30 * time.Second
)

// Estimator provides the ability to estimate on-chain transaction fees for
// various confirmation targets (measured by number of blocks).
type Estimator interface {
	// EstimateFeePerKW takes in a target for the number of blocks until an
	// initial confirmation and returns the estimated fee expressed in
	// sat/kw.
	EstimateFeePerKW(numBlocks uint32) (SatPerKWeight, error)

	// Start signals the Estimator to start any processes or goroutines
	// it needs to perform its duty.
	Start() error

	// Stop stops any spawned goroutines and cleans up the resources used
	// by the fee estimator.
	Stop() error

	// RelayFeePerKW returns the minimum fee rate required for transactions
	// to be relayed.
	RelayFeePerKW() SatPerKWeight
}

// StaticEstimator will return a static value for all fee calculation
// requests.
type StaticEstimator struct {
	feePerKW SatPerKWeight
	relayFee SatPerKWeight
}

// NewStaticEstimator returns a new static fee estimator instance.
func NewStaticEstimator(feePerKW, relayFee SatPerKWeight) *StaticEstimator {
	return &StaticEstimator{
		feePerKW: feePerKW,
		relayFee: relayFee,
	}
}

// EstimateFeePerKW will return a static value for fee calculations.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) EstimateFeePerKW(uint32) (SatPerKWeight, error) {
	return e.feePerKW, nil
}

// RelayFeePerKW returns the minimum fee rate required for transactions to be
// relayed.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) RelayFeePerKW() SatPerKWeight {
	return e.relayFee
}

// Start is a no-op.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) Start() error {
	return nil
}

// Stop is a no-op.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) Stop() error {
	return nil
}

// A compile-time assertion to ensure that StaticEstimator implements the
// Estimator interface.
var _ Estimator = (*StaticEstimator)(nil)

// FeeSource returns fee estimates in sat/vbyte keyed by confirmation target,
// the format served by Esplora's fee-estimates endpoint.
type FeeSource interface {
	FeeEstimates(ctx context.Context) (map[uint32]float64, error)
}

// SourceEstimator is an Estimator that periodically caches the estimates of
// a FeeSource. Until the first successful refresh it answers with the
// fallback rate.
type SourceEstimator struct {
	started sync.Once
	stopped sync.Once

	source   FeeSource
	fallback SatPerKWeight
	ticker   ticker.Ticker

	feesMtx          sync.Mutex
	feeByBlockTarget map[uint32]SatPerKWeight

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSourceEstimator creates an estimator refreshing from source on every
// tick of t.
func NewSourceEstimator(source FeeSource, fallback SatPerKWeight,
	t ticker.Ticker) *SourceEstimator {

	return &SourceEstimator{
		source:           source,
		fallback:         fallback,
		ticker:           t,
		feeByBlockTarget: make(map[uint32]SatPerKWeight),
		quit:             make(chan struct{}),
	}
}

// Start fetches the first estimates and launches the refresh loop.
//
// NOTE: This method is part of the Estimator interface.
func (s *SourceEstimator) Start() error {
	s.started.Do(func() {
		log.Infof("Starting fee source estimator")

		s.Refresh()

		s.ticker.Resume()

		s.wg.Add(1)
		go s.refreshLoop()
	})

	return nil
}

// Stop halts the refresh loop.
//
// NOTE: This method is part of the Estimator interface.
func (s *SourceEstimator) Stop() error {
	s.stopped.Do(func() {
		log.Infof("Stopping fee source estimator")

		s.ticker.Stop()

		close(s.quit)
		s.wg.Wait()
	})

	return nil
}

// RelayFeePerKW returns the fee floor.
//
// NOTE: This method is part of the Estimator interface.
func (s *SourceEstimator) RelayFeePerKW() SatPerKWeight {
	return FeePerKwFloor
}

// EstimateFeePerKW returns the cached estimate for the target, falling back
// to the closest faster target that is cached.
//
// NOTE: This method is part of the Estimator interface.
func (s *SourceEstimator) EstimateFeePerKW(
	numBlocks uint32) (SatPerKWeight, error) {

	if numBlocks < minBlockTarget {
		return 0, fmt.Errorf("conf target of %v is too low, minimum "+
			"accepted is %v", numBlocks, minBlockTarget)
	}
	if numBlocks > maxBlockTarget {
		numBlocks = maxBlockTarget
	}

	s.feesMtx.Lock()
	defer s.feesMtx.Unlock()

	if len(s.feeByBlockTarget) == 0 {
		log.Debugf("No cached estimates, using fallback %v",
			s.fallback)

		return s.fallback, nil
	}

	// A slower target may always use the rate of a faster one.
	for target := numBlocks; target >= minBlockTarget; target-- {
		fee, ok := s.feeByBlockTarget[target]
		if !ok {
			continue
		}

		if fee < FeePerKwFloor {
			fee = FeePerKwFloor
		}

		log.Tracef("Returning %v for conf target of %v", fee,
			numBlocks)

		return fee, nil
	}

	return 0, fmt.Errorf("fee source has no estimate for a conf "+
		"target of %v or faster", numBlocks)
}

// Refresh replaces the cached estimates with fresh ones from the source.
// Failures keep the previous estimates.
func (s *SourceEstimator) Refresh() {
	ctx, cancel := context.WithTimeout(
		context.Background(), refreshTimeout,
	)
	defer cancel()

	estimates, err := s.source.FeeEstimates(ctx)
	if err != nil {
		log.Errorf("Unable to refresh fee estimates: %v", err)
		return
	}

	fees := make(map[uint32]SatPerKWeight, len(estimates))
	for target, satPerVByte := range estimates {
		// Round up so we never under pay by truncation.
		satPerKVByte := SatPerKVByte(math.Ceil(satPerVByte * 1000))
		fees[target] = satPerKVByte.FeePerKWeight()
	}

	s.feesMtx.Lock()
	s.feeByBlockTarget = fees
	s.feesMtx.Unlock()
}

// refreshLoop refreshes the estimates on every tick.
func (s *SourceEstimator) refreshLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.Ticks():
			s.Refresh()

		case <-s.quit:
			return
		}
	}
}

// A compile-time assertion to ensure that SourceEstimator implements the
// Estimator interface.
var _ Estimator = (*SourceEstimator)(nil)
