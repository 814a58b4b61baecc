package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/protocol"
)

// Namespace holds one controller: its immutable action table and the set of
// connections currently authorized to use it. Connections are keyed by ID.
type Namespace struct {
	name       string
	newHandler func(ctx context.Context, call mrpc.CallContext) (any, error)
	actions    map[string]mrpc.Action
	routes     []protocol.Route

	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64
}

// New builds a namespace from a validated controller definition.
func New(c mrpc.Controller) (*Namespace, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ns := &Namespace{
		name:       c.Name,
		newHandler: c.New,
		actions:    make(map[string]mrpc.Action, len(c.Actions)),
		sessions:   make(map[string]*Session),
	}
	for _, a := range c.Actions {
		ns.actions[a.Name] = a
		ns.routes = append(ns.routes, protocol.Route{Controller: c.Name, Action: a.Name})
	}
	sort.Slice(ns.routes, func(i, j int) bool { return ns.routes[i].Action < ns.routes[j].Action })
	return ns, nil
}

// Build creates one namespace per controller and rejects duplicate names.
func Build(controllers []mrpc.Controller) (map[string]*Namespace, error) {
	out := make(map[string]*Namespace, len(controllers))
	for _, c := range controllers {
		if _, dup := out[c.Name]; dup {
			return nil, fmt.Errorf("duplicate controller %s", c.Name)
		}
		ns, err := New(c)
		if err != nil {
			return nil, err
		}
		out[c.Name] = ns
	}
	return out, nil
}

// Name returns the controller name.
func (n *Namespace) Name() string {
	return n.name
}

// Action looks up an action by name.
func (n *Namespace) Action(name string) (mrpc.Action, bool) {
	a, ok := n.actions[name]
	return a, ok
}

// Routes returns the (controller, action) pairs of the namespace, sorted by
// action name.
func (n *Namespace) Routes() []protocol.Route {
	return slices.Clone(n.routes)
}

// NewHandler creates a handler with the controller constructor. Without a
// constructor the handler is nil.
func (n *Namespace) NewHandler(ctx context.Context, call mrpc.CallContext) (any, error) {
	if n.newHandler == nil {
		return nil, nil
	}
	return n.newHandler(ctx, call)
}

// TryAdd registers conn with the namespace. Adding a connection that is
// already registered returns its existing session and false.
func (n *Namespace) TryAdd(conn mrpc.Connection, id mrpc.Identity) (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.sessions[conn.ID()]; ok {
		return s, false
	}
	n.seq++
	s := &Session{
		conn:      conn,
		identity:  id,
		namespace: n.name,
		joinedAt:  time.Now(),
		seq:       n.seq,
	}
	n.sessions[conn.ID()] = s
	return s, true
}

// Remove unregisters conn. It reports whether the connection was registered;
// removing an unknown connection is a no-op.
func (n *Namespace) Remove(conn mrpc.Connection) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.sessions[conn.ID()]; !ok {
		return false
	}
	delete(n.sessions, conn.ID())
	return true
}

// Session returns the session of conn, if registered.
func (n *Namespace) Session(conn mrpc.Connection) (*Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[conn.ID()]
	return s, ok
}

// Contains reports whether conn is registered.
func (n *Namespace) Contains(conn mrpc.Connection) bool {
	_, ok := n.Session(conn)
	return ok
}

// Len returns the number of registered connections.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sessions)
}

// Snapshot copies the current sessions in join order. Sessions removed after
// the snapshot was taken may still appear in it.
func (n *Namespace) Snapshot() []*Session {
	n.mu.RLock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	n.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
