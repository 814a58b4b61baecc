package mrpc

import (
	"context"
	"errors"
	"net/http"
)

// Server defines the public surface of an RPC server bound to a WebSocket endpoint.
//
// Every connection that reaches the endpoint is upgraded, authorized against
// each registered controller and then served by a dedicated message loop until
// it closes.
//
// Example usage:
//
//	import "github.com/luciancaetano/mrpc/ws"
//
//	server, err := ws.New(ws.NewConfig(":8080", controllers))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
//
//	// Push a call to every peer connected to the Chat controller
//	server.Broadcast(ctx, "Chat", "Receive", "system", "hello")
type Server interface {
	http.Handler

	// Start starts listening on the configured address.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop closes every live connection and shuts the listener down.
	Stop(ctx context.Context) error

	// Call sends a Call envelope to a single connection.
	//
	// The returned error only reflects whether the transport accepted the
	// message. Server initiated calls carry no correlation ID and are never
	// answered at the protocol level.
	Call(ctx context.Context, conn Connection, controller, action string, args ...any) error

	// Broadcast sends a Call envelope to every connection currently
	// registered with the controller. It returns once every individual send
	// has completed; a failing connection never prevents delivery to the
	// others.
	Broadcast(ctx context.Context, controller, action string, args ...any) (BroadcastResult, error)

	// Controller returns a caller bound to a single controller, or false if
	// no controller with that name is registered.
	Controller(name string) (Caller, bool)
}

// Caller builds Call envelopes for one controller.
type Caller interface {
	// Name returns the controller name.
	Name() string

	// Call sends the action to one connection registered with the controller.
	Call(ctx context.Context, conn Connection, action string, args ...any) error

	// Broadcast sends the action to every connection registered with the controller.
	Broadcast(ctx context.Context, action string, args ...any) BroadcastResult

	// Connections returns a snapshot of the connections registered with the controller.
	Connections() []Connection
}

// Connection is an ordered, reliable, bidirectional channel carrying one
// serialized envelope per message.
//
// The WebSocket transport in this module provides the default implementation,
// but any message oriented transport can be served by implementing it.
type Connection interface {
	// ID returns a unique identifier for the connection.
	//
	// The ID is generated when the connection is accepted and remains
	// constant for its lifetime.
	ID() string

	// Identity returns the caller identity resolved when the connection was accepted.
	Identity() Identity

	// Closed reports whether the connection is no longer usable.
	Closed() bool

	// Send hands one serialized envelope to the transport.
	//
	// Returns once the transport has accepted the message, not when the peer
	// has received it.
	Send(ctx context.Context, message []byte) error

	// Receive blocks until the next message arrives.
	//
	// A nil message with a nil error is an empty receive (for example a
	// non-text frame) and must be ignored by the caller.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the connection.
	Close(ctx context.Context) error
}

// State is a phase of the connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Delivery is the outcome of sending a broadcast to one connection.
type Delivery struct {
	ConnectionID string
	Err          error
}

// BroadcastResult collects one Delivery per connection targeted by a broadcast.
type BroadcastResult []Delivery

// Err joins the errors of every failed delivery. It returns nil when all
// deliveries succeeded.
func (r BroadcastResult) Err() error {
	var errs []error
	for _, d := range r {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed returns the number of failed deliveries.
func (r BroadcastResult) Failed() int {
	n := 0
	for _, d := range r {
		if d.Err != nil {
			n++
		}
	}
	return n
}
