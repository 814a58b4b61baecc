package ws_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/mrpc"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

type echoController struct{}

func (echoController) Echo(text string) string { return text }

// echo returns a controller with an Echo action and a Shout action that
// broadcasts its argument back to every peer.
func echo(server func() mrpc.Server) mrpc.Controller {
	return mrpc.Controller{
		Name: mrpc.ControllerName(echoController{}),
		New: func(context.Context, mrpc.CallContext) (any, error) {
			return echoController{}, nil
		},
		Actions: []mrpc.Action{
			{
				Name:   "Echo",
				Params: []mrpc.Param{mrpc.Required("text", reflect.TypeOf(""))},
				Invoke: func(_ context.Context, h any, args []any) (any, error) {
					return h.(echoController).Echo(args[0].(string)), nil
				},
			},
			{
				Name:   "Shout",
				Params: []mrpc.Param{mrpc.Required("text", reflect.TypeOf(""))},
				Void:   true,
				Invoke: func(ctx context.Context, _ any, args []any) (any, error) {
					_, err := server().Broadcast(ctx, "echo", "Heard", args[0])
					return nil, err
				},
			},
		},
	}
}

func readEnvelope(t testing.TB, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to decode %s: %v", data, err)
	}
	return env
}
