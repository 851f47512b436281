package protofsm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/subscribe"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type dummyEvents interface {
	dummy()
}

type goToFin struct {
}

func (g *goToFin) dummy() {
}

type emitInternal struct {
}

func (e *emitInternal) dummy() {
}

type daemonEvents struct {
	mapped bool
}

func (s *daemonEvents) dummy() {
}

type broadcastResult struct {
	err error
}

func (b *broadcastResult) dummy() {
}

type dummyEnv struct {
	mock.Mock
}

func (d *dummyEnv) Name() string {
	return "test"
}

type dummyStateStart struct {
	lastBroadcastErr error
}

func (d *dummyStateStart) String() string {
	return "dummyStateStart"
}

func (d *dummyStateStart) ProcessEvent(_ context.Context, event dummyEvents,
	env *dummyEnv) (*StateTransition[dummyEvents, *dummyEnv], error) {

	switch e := event.(type) {
	case *goToFin:
		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateFin{},
		}, nil

	// This state will loop back upon itself, but will also emit an event
	// to head to the terminal state.
	case *emitInternal:
		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateStart{},
			NewEvents: fn.Some(EmittedEvent[dummyEvents]{
				InternalEvent: []dummyEvents{&goToFin{}},
			}),
		}, nil

	// This state loops back upon itself while asking the daemon to
	// broadcast a transaction.
	case *daemonEvents:
		broadcast := &BroadcastTxn[dummyEvents]{
			Tx:    wire.NewMsgTx(2),
			Label: "test",
		}
		if e.mapped {
			broadcast.PostBroadcastEvent = fn.Some[BroadcastMapper[
				dummyEvents]](func(err error) dummyEvents {
				return &broadcastResult{err: err}
			})
		}

		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateStart{},
			NewEvents: fn.Some(EmittedEvent[dummyEvents]{
				ExternalEvents: DaemonEventSet{broadcast},
			}),
		}, nil

	case *broadcastResult:
		if e.err != nil {
			return &StateTransition[dummyEvents, *dummyEnv]{
				NextState: &dummyStateStart{
					lastBroadcastErr: e.err,
				},
			}, nil
		}

		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateFin{},
		}, nil
	}

	return nil, fmt.Errorf("unknown event: %T", event)
}

func (d *dummyStateStart) IsTerminal() bool {
	return false
}

type dummyStateFin struct {
}

func (d *dummyStateFin) String() string {
	return "dummyStateFin"
}

func (d *dummyStateFin) ProcessEvent(_ context.Context, event dummyEvents,
	env *dummyEnv) (*StateTransition[dummyEvents, *dummyEnv], error) {

	return &StateTransition[dummyEvents, *dummyEnv]{
		NextState: &dummyStateFin{},
	}, nil
}

func (d *dummyStateFin) IsTerminal() bool {
	return true
}

func assertState[Event any, Env Environment](t *testing.T,
	m *StateMachine[Event, Env], expectedState State[Event, Env]) {

	require.IsType(t, expectedState, m.CurrentState())
}

func assertStateTransitions[Event any, Env Environment](
	t *testing.T, stateSub StateSubscriber[Event, Env],
	expectedStates []State[Event, Env]) {

	for _, expectedState := range expectedStates {
		select {
		case newState := <-stateSub.Updates():
			require.IsType(t, expectedState, newState)

		case <-time.After(time.Second):
			t.Fatalf("expected state %v not received",
				expectedState)
		}
	}
}

type dummyAdapters struct {
	mock.Mock
}

func (d *dummyAdapters) BroadcastTransaction(_ context.Context,
	tx *wire.MsgTx, label string) error {

	args := d.Called(tx, label)

	return args.Error(0)
}

func newTestMachine(t *testing.T, adapters *dummyAdapters,
	initEvent fn.Option[DaemonEvent]) (*StateMachine[dummyEvents,
	*dummyEnv], StateSubscriber[dummyEvents, *dummyEnv]) {

	cfg := StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       adapters,
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
		InitEvent:    initEvent,
	}
	stateMachine := NewStateMachine(cfg)

	// Register before Start so the initial state is not missed.
	stateSub, err := stateMachine.RegisterStateEvents()
	require.NoError(t, err)

	t.Cleanup(func() {
		stateMachine.RemoveStateSub(stateSub)
		stateMachine.Stop()
	})

	return stateMachine, stateSub
}

// TestStateMachineOnInitDaemonEvent tests that the state machine will properly
// execute any init-level daemon events passed into it.
func TestStateMachineOnInitDaemonEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapters := &dummyAdapters{}

	// We'll make an init event that'll broadcast, then transition us to
	// our terminal state once the broadcast result is mapped back.
	initEvent := &BroadcastTxn[dummyEvents]{
		Tx:    wire.NewMsgTx(2),
		Label: "init",
		PostBroadcastEvent: fn.Some[BroadcastMapper[dummyEvents]](
			func(err error) dummyEvents {
				return &broadcastResult{err: err}
			},
		),
	}
	adapters.On("BroadcastTransaction", mock.Anything, "init").Return(nil)

	stateMachine, stateSub := newTestMachine(
		t, adapters, fn.Some[DaemonEvent](initEvent),
	)
	require.NoError(t, stateMachine.Start(ctx))

	expectedStates := []State[dummyEvents, *dummyEnv]{
		&dummyStateStart{}, &dummyStateFin{},
	}
	assertStateTransitions(t, stateSub, expectedStates)
	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})

	adapters.AssertExpectations(t)
}

// TestStateMachineInternalEvents tests that the state machine is able to add
// new internal events to the event queue for further processing during a state
// transition.
func TestStateMachineInternalEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stateMachine, stateSub := newTestMachine(
		t, &dummyAdapters{}, fn.None[DaemonEvent](),
	)
	require.NoError(t, stateMachine.Start(ctx))

	require.NoError(t, stateMachine.SendEvent(ctx, &emitInternal{}))

	expectedStates := []State[dummyEvents, *dummyEnv]{
		&dummyStateStart{}, &dummyStateStart{}, &dummyStateFin{},
	}
	assertStateTransitions(t, stateSub, expectedStates)

	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})
}

// TestStateMachineDaemonEvents tests that broadcasts emitted by a transition
// are executed, and that their outcome is either mapped back into the machine
// or surfaced to the caller.
func TestStateMachineDaemonEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	errBroadcast := errors.New("rejected")

	t.Run("unmapped failure surfaces", func(t *testing.T) {
		adapters := &dummyAdapters{}
		adapters.On(
			"BroadcastTransaction", mock.Anything, "test",
		).Return(errBroadcast)

		stateMachine, _ := newTestMachine(
			t, adapters, fn.None[DaemonEvent](),
		)
		require.NoError(t, stateMachine.Start(ctx))

		err := stateMachine.SendEvent(ctx, &daemonEvents{})
		require.ErrorIs(t, err, errBroadcast)
		adapters.AssertExpectations(t)
	})

	t.Run("mapped failure", func(t *testing.T) {
		adapters := &dummyAdapters{}
		adapters.On(
			"BroadcastTransaction", mock.Anything, "test",
		).Return(errBroadcast)

		stateMachine, _ := newTestMachine(
			t, adapters, fn.None[DaemonEvent](),
		)
		require.NoError(t, stateMachine.Start(ctx))

		err := stateMachine.SendEvent(ctx, &daemonEvents{mapped: true})
		require.NoError(t, err)

		state, ok := stateMachine.CurrentState().(*dummyStateStart)
		require.True(t, ok)
		require.ErrorIs(t, state.lastBroadcastErr, errBroadcast)
	})

	t.Run("mapped success", func(t *testing.T) {
		adapters := &dummyAdapters{}
		adapters.On(
			"BroadcastTransaction", mock.Anything, "test",
		).Return(nil)

		stateMachine, stateSub := newTestMachine(
			t, adapters, fn.None[DaemonEvent](),
		)
		require.NoError(t, stateMachine.Start(ctx))

		err := stateMachine.SendEvent(ctx, &daemonEvents{mapped: true})
		require.NoError(t, err)

		expectedStates := []State[dummyEvents, *dummyEnv]{
			&dummyStateStart{}, &dummyStateStart{},
			&dummyStateFin{},
		}
		assertStateTransitions(t, stateSub, expectedStates)
	})
}

// TestStateMachineErrorReporter asserts transition errors reach the reporter
// and that a stopped machine refuses new events.
func TestStateMachineErrorReporter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var reported error
	cfg := StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       &dummyAdapters{},
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
		ErrorReporter: fn.Some(func(err error) {
			reported = err
		}),
	}
	stateMachine := NewStateMachine(cfg)
	require.NoError(t, stateMachine.Start(ctx))

	// The start state doesn't know about this event.
	err := stateMachine.SendEvent(ctx, nil)
	require.Error(t, err)
	require.Equal(t, err, reported)

	stateMachine.Stop()
	require.ErrorIs(
		t, stateMachine.SendEvent(ctx, &goToFin{}),
		ErrStateMachineShutdown,
	)
}

// TestStateSubscriptionLifecycle tests that state listeners can register
// before the machine is started without blocking, and are refused once it
// stopped.
func TestStateSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       &dummyAdapters{},
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
	})

	type result struct {
		sub StateSubscriber[dummyEvents, *dummyEnv]
		err error
	}
	registered := make(chan result, 1)
	go func() {
		sub, err := stateMachine.RegisterStateEvents()
		registered <- result{sub: sub, err: err}
	}()

	var res result
	select {
	case res = <-registered:
		require.NoError(t, res.err)

	case <-time.After(time.Second):
		t.Fatalf("registration before start blocked")
	}

	require.NoError(t, stateMachine.Start(ctx))
	assertStateTransitions(
		t, res.sub, []State[dummyEvents, *dummyEnv]{
			&dummyStateStart{},
		},
	)

	stateMachine.Stop()

	_, err := stateMachine.RegisterStateEvents()
	require.ErrorIs(t, err, subscribe.ErrServerShuttingDown)
}
