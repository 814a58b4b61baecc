package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/ws"
)

// TestBasicEcho tests a peer call answered over a listening server
func TestBasicEcho(t *testing.T) {
	t.Parallel()

	var server mrpc.Server
	cfg := ws.NewConfig("127.0.0.1:18080", []mrpc.Controller{echo(func() mrpc.Server { return server })})
	server, err := ws.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	}()

	conn, _, err := newDialer().Dial("ws://127.0.0.1:18080"+mrpc.DefaultPath, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if hello := readEnvelope(t, conn); hello["Intent"] != mrpc.IntentHello {
		t.Fatalf("first envelope = %v, want Hello", hello)
	}

	call := `{"Intent":"Call","Controller":"echo","Action":"Echo","Parameters":["Hello!"],"ID":"1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(call)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	result := readEnvelope(t, conn)
	if result["Intent"] != mrpc.IntentResult || result["ID"] != "1" || result["Value"] != "Hello!" {
		t.Errorf("got %v, want Result 1 with Hello!", result)
	}

	if err := server.Start(ctx); !errors.Is(err, mrpc.ErrServerAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrServerAlreadyRunning", err)
	}
}

// TestMountedHandler tests the server mounted on an existing HTTP server
func TestMountedHandler(t *testing.T) {
	t.Parallel()

	var server mrpc.Server
	cfg := ws.NewConfig("", []mrpc.Controller{echo(func() mrpc.Server { return server })})
	cfg.Next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server, err := ws.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	hs := httptest.NewServer(server)
	defer hs.Close()
	defer server.Stop(context.Background())

	resp, err := http.Get(hs.URL + "/status")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("GET /status = %d, want 204", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + mrpc.DefaultPath
	peers := make([]*websocket.Conn, 3)
	for i := range peers {
		conn, _, err := newDialer().Dial(url, nil)
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		defer conn.Close()
		readEnvelope(t, conn)
		peers[i] = conn
	}

	shout := `{"Intent":"Call","Controller":"echo","Action":"Shout","Parameters":["hi all"],"ID":7}`
	if err := peers[0].WriteMessage(websocket.TextMessage, []byte(shout)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	for i, conn := range peers {
		env := readEnvelope(t, conn)
		if env["Intent"] != mrpc.IntentCall || env["Action"] != "Heard" {
			t.Errorf("peer %d got %v, want Heard call", i, env)
		}
		if _, ok := env["ID"]; ok {
			t.Errorf("peer %d: server call carries an ID: %v", i, env)
		}
	}

	// The shouting peer also gets a Result without Value.
	result := readEnvelope(t, peers[0])
	if result["Intent"] != mrpc.IntentResult || result["ID"] != float64(7) {
		t.Errorf("got %v, want Result 7", result)
	}
	if _, ok := result["Value"]; ok {
		t.Errorf("void result carries a Value: %v", result)
	}

	caller, ok := server.Controller("echo")
	if !ok {
		t.Fatal("Controller(echo) not found")
	}
	if n := len(caller.Connections()); n != 3 {
		t.Errorf("Connections() = %d, want 3", n)
	}
}

// TestNewRejectsInvalidControllers tests that definition errors surface from New
func TestNewRejectsInvalidControllers(t *testing.T) {
	t.Parallel()

	server, err := ws.New(ws.NewConfig(":0", []mrpc.Controller{{Name: ""}}))
	if err == nil {
		t.Fatal("New() error = nil, want invalid controller error")
	}
	if server != nil {
		t.Errorf("New() server = %v, want nil interface", server)
	}
}

// TestNewConfig tests the defaults of a fresh configuration
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig(":8080", nil)
	if cfg.Addr != ":8080" || cfg.Path != mrpc.DefaultPath {
		t.Errorf("NewConfig() = %s%s, want :8080%s", cfg.Addr, cfg.Path, mrpc.DefaultPath)
	}
	if cfg.RateLimitConfig == nil || !cfg.RateLimitConfig.Enabled {
		t.Errorf("RateLimitConfig = %+v, want enabled default", cfg.RateLimitConfig)
	}
	if ws.NoRateLimit().Enabled {
		t.Error("NoRateLimit() should be disabled")
	}
}

// TestAllowedOrigins tests origin filtering
func TestAllowedOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://evil.example.com", true},
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", false},
		{"missing origin", []string{"https://app.example.com"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, mrpc.DefaultPath, nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := ws.AllowedOrigins(tt.allowed...)(r); got != tt.want {
				t.Errorf("AllowedOrigins(%v)(%q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}

	if !ws.AllOrigins()(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("AllOrigins() rejected a request")
	}
}

// TestAnonymousIdentify tests the default identity resolver
func TestAnonymousIdentify(t *testing.T) {
	t.Parallel()

	id, err := ws.Anonymous()(httptest.NewRequest(http.MethodGet, mrpc.DefaultPath, nil))
	if err != nil {
		t.Fatalf("Anonymous() error = %v", err)
	}
	if !id.Anonymous || id.ID == "" {
		t.Errorf("Anonymous() = %+v, want anonymous identity with ID", id)
	}
}
