// Package conntest provides an in-memory mrpc.Connection for tests.
package conntest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/mrpc"
)

// Conn is an in-memory connection. Messages pushed with Push are returned by
// Receive in order; messages passed to Send are recorded.
type Conn struct {
	id       string
	identity mrpc.Identity

	inbound chan []byte
	sentCh  chan []byte
	done    chan struct{}

	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	sendHook func(msg []byte)
	closed   bool
}

// New creates an open connection with a random ID.
func New(id mrpc.Identity) *Conn {
	return &Conn{
		id:       uuid.New().String(),
		identity: id,
		inbound:  make(chan []byte, 64),
		sentCh:   make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Identity() mrpc.Identity { return c.identity }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send records msg, or fails with the error set by FailSends.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return mrpc.ErrConnectionClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	hook := c.sendHook
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	select {
	case c.sentCh <- msg:
	default:
	}
	return nil
}

// Receive returns the next pushed message. Once the connection is closed and
// no message is pending it fails with mrpc.ErrConnectionClosed.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.done:
		return nil, mrpc.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Push queues an inbound message.
func (c *Conn) Push(msg []byte) {
	c.inbound <- msg
}

// PushJSON queues v encoded as JSON.
func (c *Conn) PushJSON(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("conntest: marshal: %v", err)
	}
	c.Push(data)
}

// FailSends makes every later Send fail with err. A nil err restores sending.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// OnSend registers a function called with every successfully sent message.
func (c *Conn) OnSend(hook func(msg []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = hook
}

// Sent returns a copy of every message sent so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Next waits for the next sent message and decodes it into a generic map.
func (c *Conn) Next(t testing.TB, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case msg := <-c.sentCh:
		var out map[string]any
		if err := json.Unmarshal(msg, &out); err != nil {
			t.Fatalf("conntest: sent message %s is not a JSON object: %v", msg, err)
		}
		return out
	case <-time.After(timeout):
		t.Fatalf("conntest: no message sent within %v", timeout)
		return nil
	}
}

// ExpectNone fails the test if a message is sent within d.
func (c *Conn) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case msg := <-c.sentCh:
		t.Fatalf("conntest: unexpected message sent: %s", msg)
	case <-time.After(d):
	}
}
