package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/dispatch"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// IdentifyFn resolves the caller identity of an upgrade request. Returning an
// error rejects the request with 401 before the upgrade.
type IdentifyFn = func(r *http.Request) (mrpc.Identity, error)

// OnConnectFn is called after a connection has been registered with its
// controllers and received its Hello.
//
// Note: This function is called synchronously from the connection's message
// loop. Avoid long-running operations.
type OnConnectFn = dispatch.OnConnectFn

// OnDisconnectFn is called after a connection has been removed from every
// controller.
type OnDisconnectFn = dispatch.OnDisconnectFn

type ServerConfig struct {
	Addr string

	// Path is the endpoint accepting upgrade requests. Defaults to mrpc.DefaultPath.
	Path string

	Controllers []mrpc.Controller
	Authorizer  mrpc.Authorizer
	Factory     mrpc.HandlerFactory
	Identify    IdentifyFn
	CheckOrigin CheckOriginFn

	RateLimitConfig *RateLimitConfig

	// MaxMessageSize caps inbound frames. Zero, or anything above the 10MB
	// envelope limit, uses 10MB.
	MaxMessageSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	Logger *zap.Logger

	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn

	// Next receives every request that is not an upgrade on Path. If nil,
	// such requests get 404.
	Next http.Handler
}

// RateLimitConfig defines rate limiting configuration for connections
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a connection can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

var _ mrpc.Server = (*Server)(nil)

// Server accepts WebSocket connections on one path and serves each of them
// with the dispatch core. It implements mrpc.Server.
type Server struct {
	addr       string
	path       string
	server     *http.Server
	conns      sync.Map // map[string]*Conn
	dispatcher *dispatch.Server
	identify   IdentifyFn
	limits     Limits
	logger     *zap.Logger
	next       http.Handler

	mu       sync.RWMutex
	running  bool
	stopped  bool // refuses upgrades between Stop and the next Start
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// New validates the controllers and creates a server. The server does not
// listen until Start is called; it can also be mounted on an existing mux
// as an http.Handler.
func New(cfg *ServerConfig) (*Server, error) {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = mrpc.DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Identify == nil {
		cfg.Identify = anonymous
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Controllers:  cfg.Controllers,
		Authorizer:   cfg.Authorizer,
		Factory:      cfg.Factory,
		Logger:       cfg.Logger,
		OnConnect:    cfg.OnConnect,
		OnDisconnect: cfg.OnDisconnect,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:       cfg.Addr,
		path:       cfg.Path,
		dispatcher: dispatcher,
		identify:   cfg.Identify,
		limits: Limits{
			RateLimit:      cfg.RateLimitConfig,
			MaxMessageSize: cfg.MaxMessageSize,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
		}.withDefaults(),
		logger: cfg.Logger,
		next:   cfg.Next,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

// Start starts the WebSocket server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return mrpc.ErrServerAlreadyRunning
	}
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("server listening", zap.String("addr", s.addr), zap.String("path", s.path))
		return nil
	}
}

// Stop closes every live connection, waits for their message loops to end
// and shuts the listener down. Upgrade requests arriving after Stop get 503
// until the server is started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if !s.running {
		s.mu.Unlock()
		s.closeConns(ctx)
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.closeConns(ctx)

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.logger.Info("server stopped", zap.Error(err))
	return err
}

func (s *Server) closeConns(ctx context.Context) {
	s.conns.Range(func(key, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ServeHTTP upgrades WebSocket requests on the endpoint path and passes
// everything else to the next handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.matches(r.URL.Path) || !websocket.IsWebSocketUpgrade(r) {
		if s.next != nil {
			s.next.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	if s.isStopped() {
		http.Error(w, mrpc.ErrMsgServerStopped, http.StatusServiceUnavailable)
		return
	}

	identity, err := s.identify(r)
	if err != nil {
		s.logger.Debug("upgrade rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, mrpc.ErrMsgUnauthorized, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	// Registration holds the read lock so Stop either sees the connection
	// or refuses it.
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, mrpc.ErrMsgServerStopped),
			time.Now().Add(s.limits.WriteTimeout))
		ws.Close()
		return
	}
	conn := NewConn(ws, r.RemoteAddr, identity, s.limits, s.logger)
	s.conns.Store(conn.ID(), conn)
	s.wg.Add(1)
	s.mu.RUnlock()

	go s.handleConn(conn)
}

func (s *Server) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func anonymous(*http.Request) (mrpc.Identity, error) {
	return mrpc.Anonymous(), nil
}

func (s *Server) matches(path string) bool {
	return path == s.path || path == strings.TrimSuffix(s.path, "/")
}

// handleConn runs the message loop of one connection.
func (s *Server) handleConn(conn *Conn) {
	defer func() {
		s.conns.Delete(conn.ID())
		conn.Close(context.Background())
		s.wg.Done()
	}()

	if err := s.dispatcher.Serve(conn.Context(), conn); err != nil {
		s.logger.Warn("connection ended with error",
			zap.String("connection_id", conn.ID()),
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
		)
	}
}

// GetConn returns a live connection by ID.
func (s *Server) GetConn(id string) (*Conn, bool) {
	if conn, ok := s.conns.Load(id); ok {
		return conn.(*Conn), true
	}
	return nil, false
}

func (s *Server) Call(ctx context.Context, conn mrpc.Connection, controller, action string, args ...any) error {
	if err := s.dispatcher.Call(ctx, conn, controller, action, args...); err != nil {
		return fmt.Errorf("call %s.%s: %w", controller, action, err)
	}
	return nil
}

func (s *Server) Broadcast(ctx context.Context, controller, action string, args ...any) (mrpc.BroadcastResult, error) {
	return s.dispatcher.Broadcast(ctx, controller, action, args...)
}

func (s *Server) Controller(name string) (mrpc.Caller, bool) {
	return s.dispatcher.Controller(name)
}
