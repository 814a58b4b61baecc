package ws

import (
	"net/http"
	"slices"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type IdentifyFn = websocket.IdentifyFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ServerConfig = *websocket.ServerConfig

// New creates an RPC server for the configured controllers.
//
// The returned server is an http.Handler: call Start to listen on the
// configured address, or mount it on an existing mux. Requests that are not
// WebSocket upgrades on the endpoint path are passed to cfg.Next.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", []mrpc.Controller{chat})
//	cfg.CheckOrigin = ws.AllowedOrigins("https://app.example.com")
//	server, err := ws.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
func New(cfg ServerConfig) (mrpc.Server, error) {
	server, err := websocket.New(cfg)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// NewConfig returns a configuration serving controllers on addr at
// mrpc.DefaultPath with the default rate limit. Every other field can be set
// on the returned value.
func NewConfig(addr string, controllers []mrpc.Controller) ServerConfig {
	return &websocket.ServerConfig{
		Addr:            addr,
		Path:            mrpc.DefaultPath,
		Controllers:     controllers,
		RateLimitConfig: DefaultRateLimitConfig(),
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// AllowedOrigins returns a checkOrigin function that accepts requests whose
// Origin header matches one of origins exactly. An empty list allows all.
func AllowedOrigins(origins ...string) CheckOriginFn {
	if len(origins) == 0 {
		return AllOrigins()
	}
	return func(r *http.Request) bool {
		return slices.Contains(origins, r.Header.Get("Origin"))
	}
}

// Anonymous is the default IdentifyFn: every request gets a fresh
// anonymous identity.
func Anonymous() IdentifyFn {
	return func(*http.Request) (mrpc.Identity, error) {
		return mrpc.Anonymous(), nil
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
