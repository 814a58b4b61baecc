package mrpc

import "errors"

// DefaultPath is the endpoint path that accepts WebSocket upgrade requests.
const DefaultPath = "/mRPC/"

// Envelope intents.
const (
	IntentHello  = "Hello"
	IntentCall   = "Call"
	IntentResult = "Result"
)

// Standard error messages
const (
	// Dispatch drops
	ErrMsgMalformedEnvelope = "malformed envelope"
	ErrMsgUnknownController = "unknown controller"
	ErrMsgUnknownAction     = "unknown action"
	ErrMsgUnauthorized      = "unauthorized"
	ErrMsgInvalidParameters = "invalid parameters"
	ErrMsgHandlerFault      = "handler fault"

	// Connection errors
	ErrMsgTransport            = "transport failure"
	ErrMsgConnectionClosed     = "connection is closed"
	ErrMsgContextCancelled     = "connection context cancelled"
	ErrMsgFailedToEncode       = "failed to encode message"
	ErrMsgServerAlreadyRunning = "server already running"
	ErrMsgServerStopped        = "server stopped"
	ErrMsgRateLimitExceeded    = "rate limit exceeded"
)

// Drop reasons. Every inbound call that does not produce a Result fails with
// exactly one of these, wrapped with context. None of them is ever reported
// to the peer.
var (
	ErrMalformedEnvelope = errors.New(ErrMsgMalformedEnvelope)
	ErrUnknownController = errors.New(ErrMsgUnknownController)
	ErrUnknownAction     = errors.New(ErrMsgUnknownAction)
	ErrUnauthorized      = errors.New(ErrMsgUnauthorized)
	ErrInvalidParameters = errors.New(ErrMsgInvalidParameters)
	ErrHandlerFault      = errors.New(ErrMsgHandlerFault)
)

// Connection level errors. ErrTransport ends the message loop.
var (
	ErrTransport            = errors.New(ErrMsgTransport)
	ErrConnectionClosed     = errors.New(ErrMsgConnectionClosed)
	ErrServerAlreadyRunning = errors.New(ErrMsgServerAlreadyRunning)
)
