package protofsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/subscribe"
)

// ErrStateMachineShutdown occurs when trying to feed an event to a
// StateMachine that has been asked to Stop.
var ErrStateMachineShutdown = errors.New("StateMachine is shutting down")

// EmittedEvent is a special type that can be emitted by a state transition.
// This can container internal events which are to be routed back to the state,
// or external events which are to be sent to the daemon.
type EmittedEvent[Event any] struct {
	// InternalEvent is an optional internal event that is to be routed
	// back to the target state. This enables state to trigger one or many
	// state transitions without a new external event.
	InternalEvent []Event

	// ExternalEvents is an optional external event that is to be sent to
	// the daemon for dispatch. Usually, this is some form of I/O.
	ExternalEvents DaemonEventSet
}

// StateTransition is a state transition type. It denotes the next state to
// go to, and also the set of events to emit.
type StateTransition[Event any, Env Environment] struct {
	// NextState is the next state to transition to.
	NextState State[Event, Env]

	// NewEvents is the set of events to emit.
	NewEvents fn.Option[EmittedEvent[Event]]
}

// Environment is an abstract interface that represents the environment that
// the state machine will execute using. From the PoV of the main state
// machine executor, we just care about being able to clean up any resources
// that were allocated by the environment.
type Environment interface {
	// Name returns the name of the environment. This is used to uniquely
	// identify the environment of related state machines.
	Name() string
}

// State defines an abstract state along, namely its state transition
// function that takes as input an event and an environment, and returns a
// state transition (next state, and set of events to emit). As state can also
// either be terminal, or not, a terminal event causes state execution to
// halt.
type State[Event any, Env Environment] interface {
	// ProcessEvent takes an event and an environment, and returns a new
	// state transition. This will be iteratively called until either a
	// terminal state is reached, or no further internal events are
	// emitted.
	ProcessEvent(ctx context.Context, event Event,
		env Env) (*StateTransition[Event, Env], error)

	// IsTerminal returns true if this state is terminal, and false
	// otherwise.
	IsTerminal() bool

	// String returns a human readable string that represents the state.
	String() string
}

// StateSubscriber represents an active subscription to be notified of new
// state transitions.
type StateSubscriber[Event any, Env Environment] = *subscribe.Client[State[
	Event, Env]]

// StateMachineCfg is a configuration struct that's used to create a new state
// machine.
type StateMachineCfg[Event any, Env Environment] struct {
	// ErrorReporter is used to report errors that occur during state
	// transitions.
	ErrorReporter fn.Option[func(error)]

	// Daemon is a set of adapters that will be used to bridge the FSM to
	// the daemon.
	Daemon DaemonAdapters

	// InitialState is the initial state of the state machine.
	InitialState State[Event, Env]

	// Env is the environment that the state machine will use to execute.
	Env Env

	// InitEvent is an optional event that will be sent to the state
	// machine as if it was emitted at the onset of the state machine. This
	// can be used to set up tracking state such as a txid confirmation
	// event.
	InitEvent fn.Option[DaemonEvent]
}

// StateMachine represents an abstract FSM that is able to process new incoming
// events and drive a state machine to termination. Events are processed
// synchronously: SendEvent returns once the event, every internal event it
// emitted and every daemon side effect have been handled.
type StateMachine[Event any, Env Environment] struct {
	cfg StateMachineCfg[Event, Env]

	// mu serializes event processing.
	mu           sync.Mutex
	currentState State[Event, Env]

	newStateEvents *subscribe.Server[State[Event, Env]]

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   bool
}

// NewStateMachine creates a new state machine given a set of daemon adapters,
// an initial state, an environment, and an event to process as if emitted at
// the onset of the state machine.
func NewStateMachine[Event any, Env Environment](
	cfg StateMachineCfg[Event, Env]) *StateMachine[Event, Env] {

	return &StateMachine[Event, Env]{
		cfg:            cfg,
		currentState:   cfg.InitialState,
		newStateEvents: subscribe.NewServer[State[Event, Env]](),
	}
}

// Start starts the state machine. The initial state is published to any
// subscribers and the init event, if any, is executed.
func (s *StateMachine[Event, Env]) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.newStateEvents.Start(); err != nil {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		log.Debugf("FSM(%v): starting in state %v", s.cfg.Env.Name(),
			s.currentState)

		s.publishState(s.currentState)

		err = fn.MapOptionZ(
			s.cfg.InitEvent, func(event DaemonEvent) error {
				return s.processDaemonEvents(
					ctx, DaemonEventSet{event},
				)
			},
		)
	})

	return err
}

// Stop stops the state machine. Pending subscribers are released.
func (s *StateMachine[Event, Env]) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		_ = s.newStateEvents.Stop()
	})
}

// SendEvent sends a new event to the state machine and drives it until no
// further internal events are pending.
func (s *StateMachine[Event, Env]) SendEvent(ctx context.Context,
	event Event) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStateMachineShutdown
	}

	log.Debugf("FSM(%v): sending event: %T", s.cfg.Env.Name(), event)

	err := s.applyEvents(ctx, event)
	if err != nil {
		s.cfg.ErrorReporter.WhenSome(func(report func(error)) {
			report(err)
		})
	}

	return err
}

// CurrentState returns the current state of the state machine.
func (s *StateMachine[Event, Env]) CurrentState() State[Event, Env] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentState
}

// RegisterStateEvents registers a new event listener that will be notified of
// new state transitions. Listeners registered before Start also receive the
// initial state.
func (s *StateMachine[Event, Env]) RegisterStateEvents() (
	StateSubscriber[Event, Env], error) {

	if err := s.newStateEvents.Start(); err != nil {
		return nil, err
	}

	return s.newStateEvents.Subscribe()
}

// RemoveStateSub removes the target state subscriber from the set of active
// subscribers.
func (s *StateMachine[Event, Env]) RemoveStateSub(
	sub StateSubscriber[Event, Env]) {

	sub.Cancel()
}

// publishState sends the state to all subscribers. Publishing after Stop is
// silently dropped.
func (s *StateMachine[Event, Env]) publishState(state State[Event, Env]) {
	err := s.newStateEvents.SendUpdate(state)
	if err != nil && !errors.Is(err, subscribe.ErrServerShuttingDown) &&
		!errors.Is(err, subscribe.ErrServerNotStarted) {

		log.Errorf("FSM(%v): unable to publish state: %v",
			s.cfg.Env.Name(), err)
	}
}

// executeDaemonEvents executes the side effects emitted by a transition. Any
// events produced by post-broadcast mappers are returned to be applied.
func (s *StateMachine[Event, Env]) executeDaemonEvents(ctx context.Context,
	events DaemonEventSet) ([]Event, error) {

	var mapped []Event
	for _, dEvent := range events {
		switch daemonEvent := dEvent.(type) {
		case *BroadcastTxn[Event]:
			txid := daemonEvent.Tx.TxHash()
			log.Debugf("FSM(%v): broadcasting txid=%v",
				s.cfg.Env.Name(), txid)

			err := s.cfg.Daemon.BroadcastTransaction(
				ctx, daemonEvent.Tx, daemonEvent.Label,
			)

			if daemonEvent.PostBroadcastEvent.IsSome() {
				mapper := daemonEvent.PostBroadcastEvent.
					UnwrapOr(nil)
				mapped = append(mapped, mapper(err))

				continue
			}

			if err != nil {
				return mapped, fmt.Errorf("unable to "+
					"broadcast txid=%v: %w", txid, err)
			}

		default:
			return mapped, fmt.Errorf("unknown daemon event: %T",
				dEvent)
		}
	}

	return mapped, nil
}

// processDaemonEvents executes daemon events outside of a transition and
// applies whatever events they map to.
func (s *StateMachine[Event, Env]) processDaemonEvents(ctx context.Context,
	events DaemonEventSet) error {

	mapped, err := s.executeDaemonEvents(ctx, events)
	if err != nil {
		return err
	}

	for _, event := range mapped {
		if err := s.applyEvents(ctx, event); err != nil {
			return err
		}
	}

	return nil
}

// applyEvents applies a new event to the state machine. This will continue
// until no further events are emitted by the state machine. Along the way,
// we'll also ensure to execute any daemon events that are emitted.
//
// NOTE: The caller must hold mu.
func (s *StateMachine[Event, Env]) applyEvents(ctx context.Context,
	newEvent Event) error {

	eventQueue := []Event{newEvent}
	for len(eventQueue) > 0 {
		event := eventQueue[0]
		eventQueue = eventQueue[1:]

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		transition, err := s.currentState.ProcessEvent(
			ctx, event, s.cfg.Env,
		)
		if err != nil {
			return err
		}

		log.Debugf("FSM(%v): %v -> %v on %T", s.cfg.Env.Name(),
			s.currentState, transition.NextState, event)

		s.currentState = transition.NextState
		s.publishState(s.currentState)

		emitted, err := fn.MapOptionZ(
			transition.NewEvents,
			func(events EmittedEvent[Event]) fn.Result[[]Event] {
				mapped, err := s.executeDaemonEvents(
					ctx, events.ExternalEvents,
				)
				if err != nil {
					return fn.Err[[]Event](err)
				}

				return fn.Ok(append(
					events.InternalEvent, mapped...,
				))
			},
		).Unpack()
		if err != nil {
			return err
		}

		eventQueue = append(eventQueue, emitted...)
	}

	return nil
}
