package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/luciancaetano/mrpc"
)

const maxMessageSize = 10 * 1024 * 1024 // 10MB max message size

// MaxMessageSize is the largest envelope accepted or produced.
const MaxMessageSize = maxMessageSize

// Route is one (controller, action) pair advertised in a Hello envelope.
type Route struct {
	Controller string `json:"Controller"`
	Action     string `json:"Action"`
}

// Envelope is a decoded inbound message. Only the fields relevant to its
// Intent are populated.
type Envelope struct {
	Intent string

	// Hello
	Controllers []string
	Routes      []Route

	// Call
	Controller string
	Action     string
	Parameters []json.RawMessage

	// Call and Result. ID is kept verbatim so it can be echoed unchanged.
	ID json.RawMessage

	// Result. HasValue distinguishes an omitted Value from an explicit null.
	Value    json.RawMessage
	HasValue bool
}

type hello struct {
	Intent      string   `json:"Intent"`
	Controllers []string `json:"Controllers"`
	Routes      []Route  `json:"Routes"`
}

type call struct {
	Intent     string          `json:"Intent"`
	Controller string          `json:"Controller"`
	Action     string          `json:"Action"`
	Parameters []any           `json:"Parameters"`
	ID         json.RawMessage `json:"ID,omitempty"`
}

type result struct {
	Intent string          `json:"Intent"`
	ID     json.RawMessage `json:"ID"`
	Value  json.RawMessage `json:"Value,omitempty"`
}

// EncodeHello encodes the capability manifest sent once after upgrade. Both
// lists are always present, even when empty.
func EncodeHello(controllers []string, routes []Route) ([]byte, error) {
	if controllers == nil {
		controllers = []string{}
	}
	if routes == nil {
		routes = []Route{}
	}
	return marshal(hello{Intent: mrpc.IntentHello, Controllers: controllers, Routes: routes})
}

// EncodeCall encodes a server initiated Call. It carries no ID.
func EncodeCall(controller, action string, args []any) ([]byte, error) {
	return encodeCall(controller, action, args, nil)
}

// EncodeCallWithID encodes a Call that expects a Result, as sent by a peer.
func EncodeCallWithID(controller, action string, args []any, id any) ([]byte, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("%s: id: %w", mrpc.ErrMsgFailedToEncode, err)
	}
	return encodeCall(controller, action, args, raw)
}

func encodeCall(controller, action string, args []any, id json.RawMessage) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return marshal(call{
		Intent:     mrpc.IntentCall,
		Controller: controller,
		Action:     action,
		Parameters: args,
		ID:         id,
	})
}

// EncodeResult encodes the reply to a peer initiated Call. When void is true
// the Value field is omitted entirely; otherwise value is always encoded,
// including nil as null.
func EncodeResult(id json.RawMessage, value any, void bool) ([]byte, error) {
	r := result{Intent: mrpc.IntentResult, ID: id}
	if !void {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%s: value: %w", mrpc.ErrMsgFailedToEncode, err)
		}
		r.Value = raw
	}
	return marshal(r)
}

func marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mrpc.ErrMsgFailedToEncode, err)
	}
	if len(out) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d bytes", len(out), maxMessageSize)
	}
	return out, nil
}

// Decode parses one inbound envelope. Fields are checked individually: every
// failure wraps mrpc.ErrMalformedEnvelope and names the offending field.
//
// A missing Intent is read as Call.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds maximum %d bytes", mrpc.ErrMalformedEnvelope, len(data), maxMessageSize)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", mrpc.ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", mrpc.ErrMalformedEnvelope)
	}

	env := &Envelope{Intent: mrpc.IntentCall}
	if raw, ok := fields["Intent"]; ok {
		intent, err := stringField("Intent", raw)
		if err != nil {
			return nil, err
		}
		env.Intent = intent
	}

	var err error
	switch env.Intent {
	case mrpc.IntentCall:
		err = decodeCall(env, fields)
	case mrpc.IntentResult:
		err = decodeResult(env, fields)
	case mrpc.IntentHello:
		err = decodeHello(env, fields)
	default:
		err = fmt.Errorf("%w: unknown intent %q", mrpc.ErrMalformedEnvelope, env.Intent)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

func decodeCall(env *Envelope, fields map[string]json.RawMessage) error {
	var err error
	if env.Controller, err = requiredString(fields, "Controller"); err != nil {
		return err
	}
	if env.Action, err = requiredString(fields, "Action"); err != nil {
		return err
	}
	if raw, ok := fields["Parameters"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.Parameters); err != nil {
			return fmt.Errorf("%w: field %q is not an array", mrpc.ErrMalformedEnvelope, "Parameters")
		}
	}
	if raw, ok := fields["ID"]; ok && !isNull(raw) {
		env.ID = raw
	}
	return nil
}

func decodeResult(env *Envelope, fields map[string]json.RawMessage) error {
	raw, ok := fields["ID"]
	if !ok || isNull(raw) {
		return fmt.Errorf("%w: missing field %q", mrpc.ErrMalformedEnvelope, "ID")
	}
	env.ID = raw
	if v, ok := fields["Value"]; ok {
		env.Value = v
		env.HasValue = true
	}
	return nil
}

func decodeHello(env *Envelope, fields map[string]json.RawMessage) error {
	if raw, ok := fields["Controllers"]; ok {
		if err := json.Unmarshal(raw, &env.Controllers); err != nil {
			return fmt.Errorf("%w: field %q: %v", mrpc.ErrMalformedEnvelope, "Controllers", err)
		}
	}
	if raw, ok := fields["Routes"]; ok {
		if err := json.Unmarshal(raw, &env.Routes); err != nil {
			return fmt.Errorf("%w: field %q: %v", mrpc.ErrMalformedEnvelope, "Routes", err)
		}
	}
	return nil
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", mrpc.ErrMalformedEnvelope, name)
	}
	return stringField(name, raw)
}

func stringField(name string, raw json.RawMessage) (string, error) {
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", fmt.Errorf("%w: field %q is not a string", mrpc.ErrMalformedEnvelope, name)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
