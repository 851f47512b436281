package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnrecover/ledger"
)

// State is the client-side view of the recovery lifecycle.
type State uint8

const (
	// StateNoRecovery means no recovery was ever started.
	StateNoRecovery State = iota

	// StatePending means the delay is running.
	StatePending

	// StateReadyToComplete means the rotation may be completed.
	StateReadyToComplete

	// StateCanceled is terminal.
	StateCanceled

	// StateCompleted is terminal.
	StateCompleted
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case StateNoRecovery:
		return "NoRecovery"

	case StatePending:
		return "Pending"

	case StateReadyToComplete:
		return "ReadyToComplete"

	case StateCanceled:
		return "Canceled"

	case StateCompleted:
		return "Completed"

	default:
		return "Unknown"
	}
}

// IsTerminal returns true for states no operation moves out of.
func (s State) IsTerminal() bool {
	return s == StateCanceled || s == StateCompleted
}

// StateOf maps an observed event onto the lifecycle state.
func StateOf(event fn.Option[ledger.RecoveryEvent]) State {
	return fn.MapOptionZ(event, func(e ledger.RecoveryEvent) State {
		switch e.Status {
		case ledger.StatusPending:
			return StatePending

		case ledger.StatusReadyToComplete:
			return StateReadyToComplete

		case ledger.StatusCanceled:
			return StateCanceled

		default:
			return StateCompleted
		}
	})
}

// Observation is a cancelable stream of the account's recovery event. None
// means the account has no recovery.
type Observation struct {
	updates chan fn.Option[ledger.RecoveryEvent]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Updates delivers the event each time it changes. The channel is closed once
// the observation ends.
func (o *Observation) Updates() <-chan fn.Option[ledger.RecoveryEvent] {
	return o.updates
}

// Cancel stops polling and releases the ticker. It blocks until the poll
// goroutine exited and is safe to call more than once.
func (o *Observation) Cancel() {
	o.cancel()
	o.wg.Wait()
}

// Observe starts polling the ledger. The first update reflects the current
// state. Failed polls are retried with exponential backoff and never end the
// stream; only Cancel or ctx does.
func (c *Coordinator) Observe(ctx context.Context) *Observation {
	ctx, cancel := context.WithCancel(ctx)

	o := &Observation{
		updates: make(chan fn.Option[ledger.RecoveryEvent]),
		cancel:  cancel,
	}

	t := c.cfg.NewTicker(c.cfg.PollInterval)

	o.wg.Add(1)
	go c.pollLoop(ctx, o, t)

	return o
}

// eventKey identifies an observed value for change detection.
func eventKey(event fn.Option[ledger.RecoveryEvent]) string {
	return fn.MapOptionZ(event, func(e ledger.RecoveryEvent) string {
		return e.ID + "/" + e.Status.String()
	})
}

// nextBackoff doubles the backoff up to the configured maximum.
func (c *Coordinator) nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return c.cfg.PollInterval
	}

	next := cur * 2
	if next > c.cfg.MaxBackoff {
		next = c.cfg.MaxBackoff
	}

	return next
}

// pollLoop polls on every tick until the observation is canceled.
//
// NOTE: MUST be run as a goroutine.
func (c *Coordinator) pollLoop(ctx context.Context, o *Observation,
	t ticker.Ticker) {

	defer o.wg.Done()
	defer close(o.updates)
	defer t.Stop()

	var (
		lastKey string
		sent    bool
		backoff time.Duration
		retry   <-chan time.Time
	)

	poll := func() {
		event, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			backoff = c.nextBackoff(backoff)
			retry = c.cfg.Clock.TickAfter(backoff)

			log.Warnf("Account %v: status poll failed, retrying "+
				"in %v: %v", c.cfg.Account, backoff, err)

			return
		}

		backoff, retry = 0, nil

		key := eventKey(event)
		if sent && key == lastKey {
			return
		}

		select {
		case o.updates <- event:
			lastKey, sent = key, true

		case <-ctx.Done():
		}
	}

	t.Resume()
	poll()

	for {
		// Regular ticks are ignored while a retry is scheduled.
		ticks := t.Ticks()
		if retry != nil {
			ticks = nil
		}

		select {
		case <-ticks:
			poll()

		case <-retry:
			poll()

		case <-ctx.Done():
			log.Debugf("Account %v: observation canceled",
				c.cfg.Account)

			return
		}
	}
}
