package ws_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/ws"
)

// TestStressConnections tests many simultaneous connections issuing calls
// and receiving one broadcast each.
func TestStressConnections(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const numClients = 500
	const callsPerClient = 5

	var server mrpc.Server
	cfg := ws.NewConfig("", []mrpc.Controller{echo(func() mrpc.Server { return server })})
	cfg.RateLimitConfig = ws.NoRateLimit()
	server, err := ws.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hs := httptest.NewServer(server)
	defer hs.Close()
	defer server.Stop(context.Background())

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + mrpc.DefaultPath

	var (
		failedConnections int64
		results           int64
		heard             int64
		connected         sync.WaitGroup
		done              sync.WaitGroup
	)
	broadcast := make(chan struct{})

	startTime := time.Now()
	connected.Add(numClients)
	done.Add(numClients)
	for i := 0; i < numClients; i++ {
		go func(clientID int) {
			defer done.Done()

			conn, _, err := newDialer().Dial(url, nil)
			if err != nil {
				atomic.AddInt64(&failedConnections, 1)
				connected.Done()
				return
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))

			if _, _, err := conn.ReadMessage(); err != nil {
				atomic.AddInt64(&failedConnections, 1)
				connected.Done()
				return
			}

			for j := 0; j < callsPerClient; j++ {
				call := fmt.Sprintf(`{"Intent":"Call","Controller":"echo","Action":"Echo","Parameters":["%d-%d"],"ID":%d}`, clientID, j, j)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(call)); err != nil {
					break
				}
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
				atomic.AddInt64(&results, 1)
			}
			connected.Done()

			<-broadcast
			if _, _, err := conn.ReadMessage(); err == nil {
				atomic.AddInt64(&heard, 1)
			}
		}(i)
	}

	connected.Wait()
	res, err := server.Broadcast(context.Background(), "echo", "Heard", "stress")
	close(broadcast)
	done.Wait()
	elapsed := time.Since(startTime)

	t.Logf("clients=%d failed=%d results=%d heard=%d deliveries=%d elapsed=%v",
		numClients, failedConnections, results, heard, len(res), elapsed)

	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if failedConnections > 0 {
		t.Errorf("%d connections failed", failedConnections)
	}
	if want := int64(numClients * callsPerClient); results != want {
		t.Errorf("results = %d, want %d", results, want)
	}
	if heard != int64(len(res)-res.Failed()) {
		t.Errorf("heard = %d, want %d", heard, len(res)-res.Failed())
	}
}
