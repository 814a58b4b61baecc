package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/protocol"
)

const sendBufferSize = 256

// Limits bounds what a single connection may do.
type Limits struct {
	RateLimit *RateLimitConfig

	// MaxMessageSize is the largest inbound frame accepted. Larger frames
	// close the connection. It never exceeds protocol.MaxMessageSize.
	MaxMessageSize int64

	// ReadTimeout is how long the connection may stay silent. Pings are sent
	// at nine tenths of it and every pong refreshes the deadline.
	ReadTimeout time.Duration

	WriteTimeout time.Duration
}

// DefaultLimits returns 100 messages per second (burst 200), 10MB frames,
// a 60s read timeout and a 10s write timeout.
func DefaultLimits() Limits {
	return Limits{
		RateLimit:      DefaultRateLimitConfig(),
		MaxMessageSize: protocol.MaxMessageSize,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.RateLimit == nil {
		l.RateLimit = d.RateLimit
	}
	if l.MaxMessageSize <= 0 || l.MaxMessageSize > protocol.MaxMessageSize {
		l.MaxMessageSize = d.MaxMessageSize
	}
	if l.ReadTimeout <= 0 {
		l.ReadTimeout = d.ReadTimeout
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = d.WriteTimeout
	}
	return l
}

// Conn implements mrpc.Connection over a WebSocket. Envelopes travel as text
// frames; every write goes through a single pump goroutine.
type Conn struct {
	id          string
	identity    mrpc.Identity
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
	limits      Limits
	logger      *zap.Logger
}

// NewConn wraps an upgraded WebSocket and starts its write pump.
func NewConn(conn *websocket.Conn, remoteAddr string, identity mrpc.Identity, limits Limits, logger *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	limits = limits.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if limits.RateLimit.Enabled {
		limiter = rate.NewLimiter(limits.RateLimit.MessagesPerSecond, limits.RateLimit.Burst)
	}

	c := &Conn{
		id:          uuid.New().String(),
		identity:    identity,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBufferSize),
		rateLimiter: limiter,
		limits:      limits,
	}
	c.logger = logger.With(zap.String("connection_id", c.id), zap.String("remote_addr", remoteAddr))

	conn.SetReadLimit(limits.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(limits.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(limits.ReadTimeout))
	})

	go c.writePump()

	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Identity() mrpc.Identity {
	return c.identity
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled once the connection is closed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.ctx.Err() != nil
}

// Send queues one envelope for the write pump.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return mrpc.ErrConnectionClosed
	}

	select {
	case c.sendCh <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", mrpc.ErrConnectionClosed, mrpc.ErrMsgContextCancelled)
	}
}

// Receive reads the next frame. Non-text frames yield an empty receive. When
// the inbound rate limit is exceeded the connection is closed with a policy
// violation.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.Closed() {
		return nil, mrpc.ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		c.CloseWithCode(context.Background(), websocket.CloseGoingAway, "")
	})
	defer stop()

	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if c.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, mrpc.ErrConnectionClosed
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			c.CloseWithCode(context.Background(), websocket.CloseMessageTooBig, "")
		}
		return nil, fmt.Errorf("%w: %w", mrpc.ErrTransport, err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.limits.ReadTimeout))

	if !c.CheckRateLimit() {
		c.logger.Warn("rate limit exceeded")
		c.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
		return nil, fmt.Errorf("%w: %s", mrpc.ErrConnectionClosed, mrpc.ErrMsgRateLimitExceeded)
	}

	if typ != websocket.TextMessage {
		return nil, nil
	}
	return data, nil
}

// Close closes the connection with a normal closure.
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	close(c.sendCh)
	return c.conn.Close()
}

// CheckRateLimit reports whether one more inbound message is allowed.
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.limits.ReadTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
