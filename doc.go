// Package mrpc provides bidirectional remote procedure calls over WebSocket.
//
// A server exposes named actions grouped into controllers. Peers invoke them
// by sending Call envelopes, and the server pushes calls back to a single peer
// or to every peer connected to a controller.
//
// # Architecture
//
// Every accepted connection is served by its own message loop:
//
//   - Upgrade: the connection is authorized against every controller and
//     registered with the ones it may use. A Hello envelope listing those
//     controllers and their actions is sent immediately.
//   - Dispatch: envelopes are received and dispatched one at a time, in
//     arrival order. The Result of a call is sent before the next envelope is
//     read.
//   - Downgrade: when the loop ends, for any reason, the connection is removed
//     from every controller.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/mrpc"
//	    "github.com/luciancaetano/mrpc/ws"
//	)
//
//	cfg := ws.NewConfig(":8080", []mrpc.Controller{chat})
//	cfg.Authorizer = mrpc.AllowAll()
//	server, err := ws.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
//
// # Protocol Format
//
// Envelopes are JSON documents sent one per text frame. The Intent field
// selects the shape:
//
//	{"Intent":"Hello","Controllers":["Chat"],"Routes":[{"Controller":"Chat","Action":"Send"}]}
//	{"Intent":"Call","Controller":"Chat","Action":"Send","Parameters":["hi"],"ID":"1"}
//	{"Intent":"Result","ID":"1","Value":42}
//
// Calls sent by the server carry no ID and are never answered. Calls sent by
// a peer must carry an ID, which is echoed in the Result. Value is omitted when
// the action returns nothing.
//
// # Errors
//
// A call that is malformed, addresses an unknown controller or action, is not
// authorized, has invalid parameters, or whose handler fails is logged and
// dropped. The peer receives no Result and cannot tell these cases apart.
// Only transport failures end a connection.
//
// # Security Features
//
//   - Controller and action authorization on every call
//   - Rate limiting per connection (close code 1008 when exceeded)
//   - Maximum message size: 10MB
//   - Read timeout: 60s, write timeout: 10s, ping every 54s
//   - Origin validation via CheckOriginFn
//
// # Important
//
//   - Calls from one connection are processed sequentially; a slow action
//     delays every later call of that connection
//   - Connections are independent and run in parallel
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package mrpc
