package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/luciancaetano/mrpc"
)

// coerce converts positional JSON arguments to the action's formal
// parameters. It returns exactly len(params) values, filling omitted optional
// parameters with their defaults. Any failure rejects the whole call.
func coerce(raw []json.RawMessage, params []mrpc.Param) ([]any, error) {
	if len(raw) > len(params) {
		return nil, fmt.Errorf("%w: got %d arguments, want at most %d", mrpc.ErrInvalidParameters, len(raw), len(params))
	}

	out := make([]any, len(params))
	for i, p := range params {
		if i >= len(raw) {
			if !p.Optional {
				return nil, fmt.Errorf("%w: missing required argument %d (%s)", mrpc.ErrInvalidParameters, i, p.Name)
			}
			out[i] = p.DefaultValue()
			continue
		}

		if isNull(raw[i]) && !nullable(p.Type) {
			return nil, fmt.Errorf("%w: argument %d (%s): null for %s", mrpc.ErrInvalidParameters, i, p.Name, p.Type)
		}

		v := reflect.New(p.Type)
		if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
			return nil, fmt.Errorf("%w: argument %d (%s): %v", mrpc.ErrInvalidParameters, i, p.Name, err)
		}
		out[i] = v.Elem().Interface()
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// nullable reports whether null converts to a meaningful value of t.
func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return true
	default:
		return false
	}
}
