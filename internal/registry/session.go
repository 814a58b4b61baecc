package registry

import (
	"context"
	"time"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/protocol"
)

// Session is one connection's membership in one namespace. It references the
// connection but does not own it: closing the connection is up to the transport.
type Session struct {
	conn      mrpc.Connection
	identity  mrpc.Identity
	namespace string
	joinedAt  time.Time
	seq       uint64
}

// Connection returns the member connection.
func (s *Session) Connection() mrpc.Connection {
	return s.conn
}

// Identity returns the caller identity captured at upgrade time.
func (s *Session) Identity() mrpc.Identity {
	return s.identity
}

// Namespace returns the controller name this session belongs to.
func (s *Session) Namespace() string {
	return s.namespace
}

// JoinedAt returns when the connection was registered.
func (s *Session) JoinedAt() time.Time {
	return s.joinedAt
}

// Call sends a Call envelope for one of the namespace's peer side actions to
// this session's connection.
func (s *Session) Call(ctx context.Context, action string, args ...any) error {
	data, err := protocol.EncodeCall(s.namespace, action, args)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, data)
}
