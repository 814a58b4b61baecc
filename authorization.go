package mrpc

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Identity is the caller identity captured when a connection is accepted.
type Identity struct {
	// ID uniquely identifies the caller. Anonymous callers get a random ID.
	ID string

	// Name is a human readable caller name.
	Name string

	// Roles lists the roles granted to the caller.
	Roles []string

	// Claims carries any additional attributes resolved by the transport.
	Claims map[string]string

	// Anonymous is true when the caller did not authenticate.
	Anonymous bool
}

// Anonymous returns an unauthenticated identity with a random ID.
func Anonymous() Identity {
	return Identity{ID: uuid.NewString(), Anonymous: true}
}

// HasRole reports whether the identity carries the role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// Authorizer decides whether an identity may use a controller or one of its
// actions.
//
// Controller authorization is evaluated when a connection is accepted and
// again on every call; action authorization is evaluated on every call.
// Implementations must be safe for concurrent use.
type Authorizer interface {
	AuthorizeController(ctx context.Context, id Identity, controller string) bool
	AuthorizeAction(ctx context.Context, id Identity, controller string, action Action) bool
}

// AuthorizerFuncs adapts plain functions to the Authorizer interface. A nil
// function allows everything at its level.
type AuthorizerFuncs struct {
	Controller func(ctx context.Context, id Identity, controller string) bool
	Action     func(ctx context.Context, id Identity, controller string, action Action) bool
}

func (f AuthorizerFuncs) AuthorizeController(ctx context.Context, id Identity, controller string) bool {
	if f.Controller == nil {
		return true
	}
	return f.Controller(ctx, id, controller)
}

func (f AuthorizerFuncs) AuthorizeAction(ctx context.Context, id Identity, controller string, action Action) bool {
	if f.Action == nil {
		return true
	}
	return f.Action(ctx, id, controller, action)
}

// AllowAll returns an Authorizer that grants everything.
// It is intended only for development.
func AllowAll() Authorizer {
	return AuthorizerFuncs{}
}
