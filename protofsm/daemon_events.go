package protofsm

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DaemonEvent is a special event that can be emitted by a state transition
// function. A state machine can use this to perform side effects, such as
// broadcasting a transaction.
type DaemonEvent interface {
	daemonSealed()
}

// DaemonEventSet is a set of daemon events that can be emitted by a state
// transition.
type DaemonEventSet []DaemonEvent

// BroadcastMapper maps the outcome of a broadcast to a custom state machine
// event. A nil error means the transaction was accepted.
type BroadcastMapper[Event any] func(error) Event

// BroadcastTxn indicates the target transaction should be broadcast to the
// network.
type BroadcastTxn[Event any] struct {
	// Tx is the transaction to broadcast.
	Tx *wire.MsgTx

	// Label is an optional label to attach to the transaction.
	Label string

	// PostBroadcastEvent, if present, maps the result of the broadcast to
	// an event that is fed back into the state machine. Without a mapper
	// a failed broadcast is returned as an error to the sender of the
	// triggering event.
	PostBroadcastEvent fn.Option[BroadcastMapper[Event]]
}

// daemonSealed indicates that this struct is a DaemonEvent instance.
func (b *BroadcastTxn[E]) daemonSealed() {}

// DaemonAdapters is a set of methods that server as adapters to bridge the
// pure world of the FSM to the real world of the daemon. These will be used
// to do things like broadcast transactions.
type DaemonAdapters interface {
	// BroadcastTransaction broadcasts a transaction with the target label.
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx,
		label string) error
}
