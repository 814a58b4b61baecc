package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/protocol"
	"github.com/luciancaetano/mrpc/internal/registry"
)

// Call sends a Call envelope to one connection registered with the
// controller. The error only reflects acceptance by the transport; server
// initiated calls are never answered.
func (s *Server) Call(ctx context.Context, conn mrpc.Connection, controller, action string, args ...any) error {
	ns, ok := s.namespaces[controller]
	if !ok {
		return fmt.Errorf("%w: %s", mrpc.ErrUnknownController, controller)
	}
	return call(ctx, ns, conn, action, args)
}

// Broadcast sends a Call envelope to every connection registered with the
// controller when the broadcast starts. Sends run concurrently and Broadcast
// returns once all of them completed, with one Delivery per connection.
func (s *Server) Broadcast(ctx context.Context, controller, action string, args ...any) (mrpc.BroadcastResult, error) {
	ns, ok := s.namespaces[controller]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mrpc.ErrUnknownController, controller)
	}
	return broadcast(ctx, ns, action, args)
}

// Controller returns a caller bound to one controller.
func (s *Server) Controller(name string) (mrpc.Caller, bool) {
	ns, ok := s.namespaces[name]
	if !ok {
		return nil, false
	}
	return &caller{ns: ns}, true
}

func call(ctx context.Context, ns *registry.Namespace, conn mrpc.Connection, action string, args []any) error {
	session, ok := ns.Session(conn)
	if !ok {
		return fmt.Errorf("%w: connection %s is not registered with %s", mrpc.ErrUnauthorized, conn.ID(), ns.Name())
	}
	return session.Call(ctx, action, args...)
}

func broadcast(ctx context.Context, ns *registry.Namespace, action string, args []any) (mrpc.BroadcastResult, error) {
	data, err := protocol.EncodeCall(ns.Name(), action, args)
	if err != nil {
		return nil, err
	}

	sessions := ns.Snapshot()
	result := make(mrpc.BroadcastResult, len(sessions))

	var wg sync.WaitGroup
	for i, session := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := session.Connection()
			result[i] = mrpc.Delivery{ConnectionID: conn.ID(), Err: conn.Send(ctx, data)}
		}()
	}
	wg.Wait()
	return result, nil
}

// caller implements mrpc.Caller for one namespace.
type caller struct {
	ns *registry.Namespace
}

func (c *caller) Name() string {
	return c.ns.Name()
}

func (c *caller) Call(ctx context.Context, conn mrpc.Connection, action string, args ...any) error {
	return call(ctx, c.ns, conn, action, args)
}

// Broadcast sends action to every registered connection. An encoding failure
// is reported as a single failed delivery with an empty connection ID.
func (c *caller) Broadcast(ctx context.Context, action string, args ...any) mrpc.BroadcastResult {
	result, err := broadcast(ctx, c.ns, action, args)
	if err != nil {
		return mrpc.BroadcastResult{{Err: err}}
	}
	return result
}

func (c *caller) Connections() []mrpc.Connection {
	sessions := c.ns.Snapshot()
	out := make([]mrpc.Connection, len(sessions))
	for i, s := range sessions {
		out[i] = s.Connection()
	}
	return out
}
