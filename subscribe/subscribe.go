package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// ErrServerNotStarted is returned when subscribing to or updating a server
// that was never started.
var ErrServerNotStarted = errors.New("subscription server not started")

// Client is used to get notified about updates the caller has subscribed to.
type Client[T any] struct {
	cancel func()

	updates *queue.ConcurrentQueue
	out     chan T
	quit    chan struct{}
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client[T]) Updates() <-chan T {
	return c.out
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to subscribe for
// updates from the server.
func (c *Client[T]) Cancel() {
	c.cancel()
}

// forward moves items from the untyped queue onto the typed output channel
// until the client quits.
func (c *Client[T]) forward(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case item, ok := <-c.updates.ChanOut():
			if !ok {
				return
			}

			select {
			case c.out <- item.(T):
			case <-c.quit:
				return
			}

		case <-c.quit:
			return
		}
	}
}

// Server manages a set of subscriptions and their corresponding clients. Any
// update will be delivered to all active clients.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client or cancel an existing subscription.
type clientUpdate[T any] struct {
	cancel   bool
	clientID uint64

	// client is nil for cancellations.
	client *Client[T]
}

// NewServer returns a new Server.
func NewServer[T any]() *Server[T] {
	return &Server[T]{
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if s.stopped.Load() {
		return ErrServerShuttingDown
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that will receive updates any time the Server is
// made aware of a new event. The server must be started first.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	if !s.started.Load() {
		return nil, ErrServerNotStarted
	}

	clientID := s.clientCounter.Add(1)

	client := &Client[T]{
		updates: queue.NewConcurrentQueue(20),
		out:     make(chan T),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case s.clientUpdates <- &clientUpdate[T]{
				cancel:   true,
				clientID: clientID,
			}:
			case <-s.quit:
			}
		},
	}

	select {
	case s.clientUpdates <- &clientUpdate[T]{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server[T]) SendUpdate(update T) error {
	if !s.started.Load() {
		return ErrServerNotStarted
	}

	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// stopClient tears down a single client.
func (s *Server[T]) stopClient(client *Client[T]) {
	close(client.quit)
	client.updates.Stop()
}

// subscriptionHandler is the main handler for the Server. It will handle
// incoming updates and subscriptions, and forward the incoming updates to the
// registered clients.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()

	defer func() {
		for id, client := range s.clients {
			s.stopClient(client)
			delete(s.clients, id)
		}
	}()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					s.stopClient(client)
					delete(s.clients, update.clientID)
				}

				continue
			}

			update.client.updates.Start()
			s.clients[update.clientID] = update.client

			s.wg.Add(1)
			go update.client.forward(&s.wg)

		case upd := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.updates.ChanIn() <- upd:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			return
		}
	}
}
