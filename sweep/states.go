package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/protofsm"
)

var (
	// ErrInvalidEvent is returned when an event is sent to a state that
	// does not accept it.
	ErrInvalidEvent = errors.New("invalid event for sweep state")

	// ErrUnknownKeyset is returned for hardware signatures over a keyset
	// that is not part of the plan.
	ErrUnknownKeyset = errors.New("keyset not part of sweep plan")
)

// SweepEvent is an event that drives the sweep state machine.
type SweepEvent interface {
	sweepEventSealed()
}

// GenerateEvent asks for a fresh sweep plan.
type GenerateEvent struct{}

// ConfirmEvent accepts the generated plan.
type ConfirmEvent struct{}

// HardwareSignedEvent delivers the hardware signatures of one sweep.
type HardwareSignedEvent struct {
	// KeysetID is the keyset the packet sweeps.
	KeysetID string

	// Packet carries the hardware partial signatures.
	Packet *psbt.Packet
}

// RetryEvent restarts a failed sweep from generation.
type RetryEvent struct{}

// startSigning is emitted internally once every signature was collected.
type startSigning struct{}

// broadcastResult is mapped from the outcome of one broadcast.
type broadcastResult struct {
	keysetID string
	txid     chainhash.Hash
	err      error
}

func (*GenerateEvent) sweepEventSealed()       {}
func (*ConfirmEvent) sweepEventSealed()        {}
func (*HardwareSignedEvent) sweepEventSealed() {}
func (*RetryEvent) sweepEventSealed()          {}
func (*startSigning) sweepEventSealed()        {}
func (*broadcastResult) sweepEventSealed()     {}

// Environment is the set of collaborators the sweep states use.
type Environment struct {
	// Account is the account being swept.
	Account ledger.AccountID

	// Wallet lists the account's keysets.
	Wallet ledger.WalletClient

	// Generator builds plans.
	Generator *Generator

	// Executor signs sweeps.
	Executor *Executor

	// Label is attached to every broadcast.
	Label string
}

// Name returns the name of the environment.
func (e *Environment) Name() string {
	return fmt.Sprintf("sweeper(%v)", e.Account)
}

// SweepState is a state of the sweep state machine.
type SweepState = protofsm.State[SweepEvent, *Environment]

type sweepTransition = protofsm.StateTransition[SweepEvent, *Environment]

func invalidEvent(state SweepState, event SweepEvent) error {
	return fmt.Errorf("%w: %T in %v", ErrInvalidEvent, event, state)
}

func transitionTo(next SweepState, internal ...SweepEvent) *sweepTransition {
	t := &sweepTransition{NextState: next}
	if len(internal) > 0 {
		t.NewEvents = fn.Some(protofsm.EmittedEvent[SweepEvent]{
			InternalEvent: internal,
		})
	}

	return t
}

// generate builds a plan draining every stale keyset into the active one.
func generate(ctx context.Context, env *Environment) SweepState {
	keysets, err := env.Wallet.Keysets(ctx, env.Account)
	if err != nil {
		return &GenerationFailed{Err: err}
	}
	active, err := env.Wallet.ActiveKeyset(ctx, env.Account)
	if err != nil {
		return &GenerationFailed{Err: err}
	}
	dest, err := active.Address()
	if err != nil {
		return &GenerationFailed{Err: err}
	}

	plan, err := env.Generator.Generate(ctx, keysets, active, dest)
	if err != nil {
		return &GenerationFailed{Err: err}
	}
	if plan.Empty() {
		return &NoFundsFound{Plan: plan}
	}

	return &PsbtsGenerated{Plan: plan}
}

// GeneratingPsbts is the initial state: no plan exists yet.
type GeneratingPsbts struct{}

// ProcessEvent implements protofsm.State.
func (s *GeneratingPsbts) ProcessEvent(ctx context.Context, event SweepEvent,
	env *Environment) (*sweepTransition, error) {

	switch event.(type) {
	case *GenerateEvent:
		return transitionTo(generate(ctx, env)), nil

	default:
		return nil, invalidEvent(s, event)
	}
}

// IsTerminal implements protofsm.State.
func (s *GeneratingPsbts) IsTerminal() bool { return false }

// String implements protofsm.State.
func (s *GeneratingPsbts) String() string { return "GeneratingPsbts" }

// NoFundsFound is reached when no stale keyset holds a sweepable balance.
// A new generation may be requested.
type NoFundsFound struct {
	// Plan is the empty plan. Uneconomical keysets are listed in it.
	Plan *Plan
}

// ProcessEvent implements protofsm.State.
func (s *NoFundsFound) ProcessEvent(ctx context.Context, event SweepEvent,
	env *Environment) (*sweepTransition, error) {

	if _, ok := event.(*GenerateEvent); ok {
		return transitionTo(&GeneratingPsbts{}, event), nil
	}

	return nil, invalidEvent(s, event)
}

// IsTerminal implements protofsm.State.
func (s *NoFundsFound) IsTerminal() bool { return true }

// String implements protofsm.State.
func (s *NoFundsFound) String() string { return "NoFundsFound" }

// GenerationFailed is reached when the plan could not be built.
type GenerationFailed struct {
	// Err is the reason generation failed.
	Err error
}

// ProcessEvent implements protofsm.State.
func (s *GenerationFailed) ProcessEvent(ctx context.Context, event SweepEvent,
	env *Environment) (*sweepTransition, error) {

	switch event.(type) {
	case *RetryEvent, *GenerateEvent:
		return transitionTo(&GeneratingPsbts{}, &GenerateEvent{}), nil

	default:
		return nil, invalidEvent(s, event)
	}
}

// IsTerminal implements protofsm.State.
func (s *GenerationFailed) IsTerminal() bool { return false }

// String implements protofsm.State.
func (s *GenerationFailed) String() string {
	return fmt.Sprintf("GenerationFailed(%v)", s.Err)
}

// PsbtsGenerated holds a plan waiting to be confirmed.
type PsbtsGenerated struct {
	// Plan is the generated plan.
	Plan *Plan
}

// ProcessEvent implements protofsm.State.
func (s *PsbtsGenerated) ProcessEvent(ctx context.Context, event SweepEvent,
	env *Environment) (*sweepTransition, error) {

	switch event.(type) {
	case *ConfirmEvent:
		if s.Plan.AppOnlySignable() {
			return transitionTo(&SigningAndBroadcasting{
				Plan: s.Plan,
			}, &startSigning{}), nil
		}

		return transitionTo(&AwaitingHardwareSignatures{
			Plan:   s.Plan,
			Signed: make(map[string]*psbt.Packet),
		}), nil

	case *GenerateEvent:
		return transitionTo(&GeneratingPsbts{}, event), nil

	default:
		return nil, invalidEvent(s, event)
	}
}

// IsTerminal implements protofsm.State.
func (s *PsbtsGenerated) IsTerminal() bool { return false }

// String implements protofsm.State.
func (s *PsbtsGenerated) String() string { return "PsbtsGenerated" }

// AwaitingHardwareSignatures collects the hardware signatures of the plan.
type AwaitingHardwareSignatures struct {
	// Plan is the confirmed plan.
	Plan *Plan

	// Signed maps keyset id to the hardware signed packet.
	Signed map[string]*psbt.Packet
}

// Missing returns the sweeps still waiting for the hardware factor.
func (s *AwaitingHardwareSignatures) Missing() []*KeysetSweep {
	var missing []*KeysetSweep
	for _, sweep := range s.Plan.Sweeps {
		if !sweep.NeedsHardware {
			continue
		}
		if _, ok := s.Signed[sweep.Keyset.ID]; !ok {
			missing = append(missing, sweep)
		}
	}

	return missing
}

// ProcessEvent implements protofsm.State.
func (s *AwaitingHardwareSignatures) ProcessEvent(ctx context.Context,
	event SweepEvent, env *Environment) (*sweepTransition, error) {

	switch e := event.(type) {
	case *HardwareSignedEvent:
		if _, ok := s.Plan.ForKeyset(e.KeysetID); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKeyset,
				e.KeysetID)
		}

		signed := make(map[string]*psbt.Packet, len(s.Signed)+1)
		for id, packet := range s.Signed {
			signed[id] = packet
		}
		signed[e.KeysetID] = e.Packet

		next := &AwaitingHardwareSignatures{
			Plan:   s.Plan,
			Signed: signed,
		}
		if len(next.Missing()) > 0 {
			return transitionTo(next), nil
		}

		return transitionTo(&SigningAndBroadcasting{
			Plan:   s.Plan,
			Signed: signed,
		}, &startSigning{}), nil

	// A new plan drops the signatures collected so far.
	case *GenerateEvent:
		return transitionTo(&GeneratingPsbts{}, event), nil

	default:
		return nil, invalidEvent(s, event)
	}
}

// IsTerminal implements protofsm.State.
func (s *AwaitingHardwareSignatures) IsTerminal() bool { return false }

// String implements protofsm.State.
func (s *AwaitingHardwareSignatures) String() string {
	return fmt.Sprintf("AwaitingHardwareSignatures(missing=%d)",
		len(s.Missing()))
}

// SigningAndBroadcasting signs every sweep and publishes it.
type SigningAndBroadcasting struct {
	// Plan is the plan being executed.
	Plan *Plan

	// Signed holds the hardware signed packets.
	Signed map[string]*psbt.Packet

	pending   map[string]struct{}
	broadcast map[string]chainhash.Hash
	failed    map[string]error
}

// ProcessEvent implements protofsm.State.
func (s *SigningAndBroadcasting) ProcessEvent(ctx context.Context,
	event SweepEvent, env *Environment) (*sweepTransition, error) {

	switch e := event.(type) {
	case *startSigning:
		return s.signAll(ctx, env)

	case *broadcastResult:
		return s.recordBroadcast(e)

	default:
		return nil, invalidEvent(s, event)
	}
}

// signAll signs every sweep and emits one broadcast per signed transaction.
// Sweeps that fail to sign are recorded and skipped.
func (s *SigningAndBroadcasting) signAll(ctx context.Context,
	env *Environment) (*sweepTransition, error) {

	next := &SigningAndBroadcasting{
		Plan:      s.Plan,
		Signed:    s.Signed,
		pending:   make(map[string]struct{}),
		broadcast: make(map[string]chainhash.Hash),
		failed:    make(map[string]error),
	}

	var daemonEvents protofsm.DaemonEventSet
	for _, sweep := range s.Plan.Sweeps {
		id := sweep.Keyset.ID

		hw := fn.None[*psbt.Packet]()
		if packet, ok := s.Signed[id]; ok {
			hw = fn.Some(packet)
		}

		tx, err := env.Executor.SignKeyset(ctx, sweep, hw)
		if err != nil {
			log.Errorf("Unable to sign sweep of keyset %v: %v", id,
				err)

			next.failed[id] = err
			continue
		}

		txid := tx.TxHash()
		next.pending[id] = struct{}{}

		mapper := func(err error) SweepEvent {
			return &broadcastResult{
				keysetID: id,
				txid:     txid,
				err:      err,
			}
		}
		broadcast := &protofsm.BroadcastTxn[SweepEvent]{
			Tx:    tx,
			Label: env.Label,
			PostBroadcastEvent: fn.Some(
				protofsm.BroadcastMapper[SweepEvent](mapper),
			),
		}
		daemonEvents = append(daemonEvents, broadcast)
	}

	if len(next.pending) == 0 {
		return transitionTo(next.outcome()), nil
	}

	return &sweepTransition{
		NextState: next,
		NewEvents: fn.Some(protofsm.EmittedEvent[SweepEvent]{
			ExternalEvents: daemonEvents,
		}),
	}, nil
}

// recordBroadcast records one broadcast outcome and moves to the final
// state once every broadcast returned.
func (s *SigningAndBroadcasting) recordBroadcast(
	e *broadcastResult) (*sweepTransition, error) {

	if _, ok := s.pending[e.keysetID]; !ok {
		return nil, fmt.Errorf("%w: unexpected broadcast of %v",
			ErrInvalidEvent, e.keysetID)
	}

	next := &SigningAndBroadcasting{
		Plan:      s.Plan,
		Signed:    s.Signed,
		pending:   make(map[string]struct{}, len(s.pending)),
		broadcast: make(map[string]chainhash.Hash, len(s.broadcast)+1),
		failed:    make(map[string]error, len(s.failed)+1),
	}
	for id := range s.pending {
		if id != e.keysetID {
			next.pending[id] = struct{}{}
		}
	}
	for id, txid := range s.broadcast {
		next.broadcast[id] = txid
	}
	for id, err := range s.failed {
		next.failed[id] = err
	}

	if e.err != nil {
		log.Errorf("Broadcast of sweep %v (keyset %v) failed: %v",
			e.txid, e.keysetID, e.err)

		next.failed[e.keysetID] = e.err
	} else {
		log.Infof("Broadcast sweep %v of keyset %v", e.txid,
			e.keysetID)

		next.broadcast[e.keysetID] = e.txid
	}

	if len(next.pending) > 0 {
		return transitionTo(next), nil
	}

	return transitionTo(next.outcome()), nil
}

// outcome returns the final state once nothing is pending.
func (s *SigningAndBroadcasting) outcome() SweepState {
	if len(s.failed) == 0 {
		return &Complete{Plan: s.Plan, Txids: s.broadcast}
	}

	result := &BroadcastError{Failed: s.failed}
	for _, sweep := range s.Plan.Sweeps {
		if _, ok := s.broadcast[sweep.Keyset.ID]; ok {
			result.Broadcast = append(
				result.Broadcast, sweep.Keyset.ID,
			)
		}
	}

	return &Failed{Plan: s.Plan, Err: result, Txids: s.broadcast}
}

// IsTerminal implements protofsm.State.
func (s *SigningAndBroadcasting) IsTerminal() bool { return false }

// String implements protofsm.State.
func (s *SigningAndBroadcasting) String() string {
	return fmt.Sprintf("SigningAndBroadcasting(pending=%d)",
		len(s.pending))
}

// Complete is reached once every sweep of the plan was broadcast.
type Complete struct {
	// Plan is the executed plan.
	Plan *Plan

	// Txids maps keyset id to its sweep transaction.
	Txids map[string]chainhash.Hash
}

// ProcessEvent implements protofsm.State.
func (s *Complete) ProcessEvent(ctx context.Context, event SweepEvent,
	env *Environment) (*sweepTransition, error) {

	if _, ok := event.(*GenerateEvent); ok {
		return transitionTo(&GeneratingPsbts{}, event), nil
	}

	return nil, invalidEvent(s, event)
}

// IsTerminal implements protofsm.State.
func (s *Complete) IsTerminal() bool { return true }

// String implements protofsm.State.
func (s *Complete) String() string { return "Complete" }

// Failed is reached when at least one sweep could not be broadcast. The
// others were published.
type Failed struct {
	// Plan is the executed plan.
	Plan *Plan

	// Err is a *BroadcastError naming the failed keysets.
	Err error

	// Txids maps keyset id to the sweeps that were broadcast.
	Txids map[string]chainhash.Hash
}

// FailedKeysets returns the ids of the keysets that were not swept.
func (s *Failed) FailedKeysets() []string {
	var broadcastErr *BroadcastError
	if errors.As(s.Err, &broadcastErr) {
		return broadcastErr.FailedKeysets()
	}

	return nil
}

// ProcessEvent implements protofsm.State.
func (s *Failed) ProcessEvent(ctx context.Context, event SweepEvent,
	env *Environment) (*sweepTransition, error) {

	switch event.(type) {
	case *RetryEvent, *GenerateEvent:
		return transitionTo(&GeneratingPsbts{}, &GenerateEvent{}), nil

	default:
		return nil, invalidEvent(s, event)
	}
}

// IsTerminal implements protofsm.State.
func (s *Failed) IsTerminal() bool { return false }

// String implements protofsm.State.
func (s *Failed) String() string {
	return fmt.Sprintf("Failed(%v)", s.FailedKeysets())
}
