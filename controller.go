package mrpc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

const controllerSuffix = "Controller"

// Controller groups the actions a peer can invoke under one name.
//
// Controllers are registered once when the server is built and never change
// afterwards.
//
// Example:
//
//	chat := mrpc.Controller{
//	    Name: mrpc.ControllerName(&ChatController{}),
//	    New:  func(ctx context.Context, call mrpc.CallContext) (any, error) { return &ChatController{}, nil },
//	    Actions: []mrpc.Action{{
//	        Name:   "Send",
//	        Params: []mrpc.Param{mrpc.Required("text", reflect.TypeOf(""))},
//	        Void:   true,
//	        Invoke: func(ctx context.Context, h any, args []any) (any, error) {
//	            return nil, h.(*ChatController).Send(ctx, args[0].(string))
//	        },
//	    }},
//	}
type Controller struct {
	// Name is the controller name peers address in Call envelopes.
	Name string

	// New creates the handler object an action is invoked on. It is used by
	// the default handler factory and may be nil when a custom HandlerFactory
	// is configured, or when the actions ignore their handler.
	New func(ctx context.Context, call CallContext) (any, error)

	// Actions lists the invocable actions. Names must be unique.
	Actions []Action
}

// Action describes one invocable operation of a controller.
type Action struct {
	// Name is the action name peers address in Call envelopes.
	Name string

	// Params is the ordered formal parameter list. Required parameters must
	// come before optional ones.
	Params []Param

	// Void marks an action that returns nothing. Its Result envelope carries
	// no Value field.
	Void bool

	// Invoke runs the action on a handler created for this call. args always
	// has exactly len(Params) elements, already converted to each Param.Type.
	Invoke func(ctx context.Context, handler any, args []any) (any, error)
}

// Param is a formal parameter of an Action.
type Param struct {
	Name     string
	Type     reflect.Type
	Optional bool

	// Default is used when an optional argument is not sent. A nil Default
	// yields the zero value of Type.
	Default any
}

// Required returns a required parameter.
func Required(name string, typ reflect.Type) Param {
	return Param{Name: name, Type: typ}
}

// Optional returns an optional parameter with a default value.
func Optional(name string, typ reflect.Type, def any) Param {
	return Param{Name: name, Type: typ, Optional: true, Default: def}
}

// DefaultValue returns the value used when the argument is omitted.
func (p Param) DefaultValue() any {
	if p.Default != nil {
		return p.Default
	}
	return reflect.Zero(p.Type).Interface()
}

// ControllerName derives a controller name from the type of v. Pointers are
// dereferenced and a trailing "Controller" suffix is stripped, so both
// ChatController{} and &ChatController{} yield "Chat".
func ControllerName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return TrimControllerSuffix(t.Name())
}

// TrimControllerSuffix strips a trailing "Controller" from name. A name that
// is exactly "Controller" is returned unchanged.
func TrimControllerSuffix(name string) string {
	if name != controllerSuffix && strings.HasSuffix(name, controllerSuffix) {
		return strings.TrimSuffix(name, controllerSuffix)
	}
	return name
}

// Validate checks the controller definition: a name, unique action names,
// an Invoke function per action, typed parameters, and no required parameter
// after an optional one.
func (c Controller) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("controller name is empty")
	}
	seen := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if a.Name == "" {
			return fmt.Errorf("controller %s: action name is empty", c.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("controller %s: duplicate action %s", c.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.Invoke == nil {
			return fmt.Errorf("controller %s: action %s has no Invoke function", c.Name, a.Name)
		}
		optional := false
		for i, p := range a.Params {
			if p.Type == nil {
				return fmt.Errorf("controller %s: action %s: parameter %d has no type", c.Name, a.Name, i)
			}
			if p.Optional {
				optional = true
			} else if optional {
				return fmt.Errorf("controller %s: action %s: required parameter %q follows an optional one", c.Name, a.Name, p.Name)
			}
			if p.Default != nil && !reflect.TypeOf(p.Default).AssignableTo(p.Type) {
				return fmt.Errorf("controller %s: action %s: default of parameter %q is not assignable to %s", c.Name, a.Name, p.Name, p.Type)
			}
		}
	}
	return nil
}
