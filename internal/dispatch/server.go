package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/protocol"
	"github.com/luciancaetano/mrpc/internal/registry"
)

// OnConnectFn is called once a connection has been upgraded and its Hello
// sent, with the controllers it was registered with.
type OnConnectFn = func(conn mrpc.Connection, controllers []string)

// OnDisconnectFn is called after a connection has been removed from every
// controller.
type OnDisconnectFn = func(conn mrpc.Connection)

// Config configures the dispatch core.
type Config struct {
	Controllers []mrpc.Controller

	// Authorizer decides controller and action access. If nil, everything is
	// allowed.
	Authorizer mrpc.Authorizer

	// Factory creates handler objects. If nil, each controller's New
	// constructor is used.
	Factory mrpc.HandlerFactory

	// Logger receives one entry per dropped call. If nil, logging is disabled.
	Logger *zap.Logger

	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn
}

// Server is the dispatch core. It holds no per-connection state: membership
// lives in the namespaces' registries and everything else on the stack of
// each connection's message loop.
type Server struct {
	namespaces   map[string]*registry.Namespace
	names        []string
	authorizer   mrpc.Authorizer
	factory      mrpc.HandlerFactory
	logger       *zap.Logger
	onConnect    OnConnectFn
	onDisconnect OnDisconnectFn
}

// New validates the controllers and builds the dispatch core.
func New(cfg Config) (*Server, error) {
	namespaces, err := registry.Build(cfg.Controllers)
	if err != nil {
		return nil, err
	}

	s := &Server{
		namespaces:   namespaces,
		authorizer:   cfg.Authorizer,
		factory:      cfg.Factory,
		logger:       cfg.Logger,
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
	}
	for name := range namespaces {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	if s.authorizer == nil {
		s.authorizer = mrpc.AllowAll()
	}
	if s.factory == nil {
		s.factory = constructorFactory{namespaces: namespaces}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Namespace returns the registry of a controller.
func (s *Server) Namespace(name string) (*registry.Namespace, bool) {
	ns, ok := s.namespaces[name]
	return ns, ok
}

// Controllers returns the registered controller names in sorted order.
func (s *Server) Controllers() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Serve runs the message loop of conn until the connection closes, a
// transport error occurs or ctx is cancelled. Whatever ends the loop, the
// connection is removed from every controller before Serve returns.
//
// Dropped calls are logged and never end the loop. The returned error is nil
// when the connection closed normally.
func (s *Server) Serve(ctx context.Context, conn mrpc.Connection) (err error) {
	log := s.logger.With(
		zap.String("connection_id", conn.ID()),
		zap.String("identity", conn.Identity().ID),
	)
	state := mrpc.StateConnecting

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in message loop", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: panic: %v", mrpc.ErrTransport, r)
		}
		from := state
		state = mrpc.StateClosed
		s.downgrade(conn)
		log.Debug("connection downgraded", zap.Stringer("from", from), zap.Stringer("state", state), zap.Error(err))
		if s.onDisconnect != nil {
			s.onDisconnect(conn)
		}
	}()

	controllers, err := s.upgrade(ctx, conn)
	if err != nil {
		return err
	}
	state = mrpc.StateActive
	log.Debug("connection upgraded", zap.Stringer("state", state), zap.Strings("controllers", controllers))
	if s.onConnect != nil {
		s.onConnect(conn, controllers)
	}

	for !conn.Closed() {
		data, err := conn.Receive(ctx)
		if err != nil {
			state = mrpc.StateClosing
			if conn.Closed() || errors.Is(err, mrpc.ErrConnectionClosed) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: receive: %v", mrpc.ErrTransport, err)
		}
		if len(data) == 0 {
			continue
		}

		if err := s.handleMessage(ctx, conn, data); err != nil {
			if errors.Is(err, mrpc.ErrTransport) {
				state = mrpc.StateClosing
				log.Warn("connection failed", zap.Error(err))
				return err
			}
			logDrop(log, err)
		}
	}
	return nil
}

// upgrade registers conn with every controller it is authorized for and
// sends the Hello manifest. Denials are silent.
func (s *Server) upgrade(ctx context.Context, conn mrpc.Connection) ([]string, error) {
	id := conn.Identity()
	controllers := []string{}
	routes := []protocol.Route{}

	for _, name := range s.names {
		if !s.authorizer.AuthorizeController(ctx, id, name) {
			continue
		}
		ns := s.namespaces[name]
		ns.TryAdd(conn, id)
		controllers = append(controllers, name)
		routes = append(routes, ns.Routes()...)
	}

	hello, err := protocol.EncodeHello(controllers, routes)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, hello); err != nil {
		return nil, fmt.Errorf("%w: send hello: %v", mrpc.ErrTransport, err)
	}
	return controllers, nil
}

// downgrade removes conn from every controller. It is safe to call for a
// connection that was never registered, and more than once.
func (s *Server) downgrade(conn mrpc.Connection) {
	for _, ns := range s.namespaces {
		ns.Remove(conn)
	}
}

// handleMessage dispatches one inbound envelope. A non-nil error means no
// Result was sent; errors wrapping mrpc.ErrTransport end the loop.
func (s *Server) handleMessage(ctx context.Context, conn mrpc.Connection, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if env.Intent != mrpc.IntentCall {
		// Server initiated calls are not correlated, so replies are ignored.
		return nil
	}
	if env.ID == nil {
		return fmt.Errorf("%w: missing field %q", mrpc.ErrMalformedEnvelope, "ID")
	}

	ns, ok := s.namespaces[env.Controller]
	if !ok {
		return fmt.Errorf("%w: %s", mrpc.ErrUnknownController, env.Controller)
	}
	action, ok := ns.Action(env.Action)
	if !ok {
		return fmt.Errorf("%w: %s.%s", mrpc.ErrUnknownAction, env.Controller, env.Action)
	}

	id := conn.Identity()
	if !s.authorizer.AuthorizeController(ctx, id, ns.Name()) {
		return fmt.Errorf("%w: controller %s", mrpc.ErrUnauthorized, ns.Name())
	}
	if !s.authorizer.AuthorizeAction(ctx, id, ns.Name(), action) {
		return fmt.Errorf("%w: action %s.%s", mrpc.ErrUnauthorized, ns.Name(), action.Name)
	}

	args, err := coerce(env.Parameters, action.Params)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", ns.Name(), action.Name, err)
	}

	value, err := s.invoke(ctx, conn, ns, action, args)
	if err != nil {
		return err
	}

	reply, err := protocol.EncodeResult(env.ID, value, action.Void)
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", mrpc.ErrHandlerFault, ns.Name(), action.Name, err)
	}
	if err := conn.Send(ctx, reply); err != nil {
		return fmt.Errorf("%w: send result: %v", mrpc.ErrTransport, err)
	}
	return nil
}

// invoke creates a handler, runs the action and releases the handler. Errors
// and panics raised by the action are returned as mrpc.ErrHandlerFault.
func (s *Server) invoke(ctx context.Context, conn mrpc.Connection, ns *registry.Namespace, action mrpc.Action, args []any) (value any, err error) {
	call := mrpc.CallContext{
		Controller: ns.Name(),
		Action:     action.Name,
		Identity:   conn.Identity(),
		Connection: conn,
	}

	handler, err := s.factory.Create(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: create handler: %v", mrpc.ErrHandlerFault, call.Controller, call.Action, err)
	}
	defer s.factory.Release(call, handler)
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %s.%s: panic: %v", mrpc.ErrHandlerFault, call.Controller, call.Action, r)
		}
	}()

	value, err = action.Invoke(ctx, handler, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %w", mrpc.ErrHandlerFault, call.Controller, call.Action, err)
	}
	return value, nil
}

// constructorFactory creates handlers with each controller's New function.
type constructorFactory struct {
	namespaces map[string]*registry.Namespace
}

func (f constructorFactory) Create(ctx context.Context, call mrpc.CallContext) (any, error) {
	ns, ok := f.namespaces[call.Controller]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mrpc.ErrUnknownController, call.Controller)
	}
	return ns.NewHandler(ctx, call)
}

func (constructorFactory) Release(mrpc.CallContext, any) {}

// Reason names the drop category of err for logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, mrpc.ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, mrpc.ErrUnknownController), errors.Is(err, mrpc.ErrUnknownAction):
		return "unknown_route"
	case errors.Is(err, mrpc.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, mrpc.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, mrpc.ErrHandlerFault):
		return "handler_fault"
	case errors.Is(err, mrpc.ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

func logDrop(log *zap.Logger, err error) {
	fields := []zap.Field{zap.String("reason", Reason(err)), zap.Error(err)}
	if errors.Is(err, mrpc.ErrHandlerFault) {
		log.Error("rpc call failed", fields...)
		return
	}
	log.Warn("rpc call dropped", fields...)
}
