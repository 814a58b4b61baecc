package mrpc

import "context"

// CallContext describes the call a handler object is created for.
type CallContext struct {
	Controller string
	Action     string
	Identity   Identity
	Connection Connection
}

// HandlerFactory creates the handler object an action is invoked on and
// releases it once the invocation finished.
//
// Release is always called for every handler returned by Create, whether the
// invocation succeeded, failed or panicked.
type HandlerFactory interface {
	Create(ctx context.Context, call CallContext) (any, error)
	Release(call CallContext, handler any)
}

// HandlerFactoryFunc adapts a function to a HandlerFactory whose Release is a no-op.
type HandlerFactoryFunc func(ctx context.Context, call CallContext) (any, error)

func (f HandlerFactoryFunc) Create(ctx context.Context, call CallContext) (any, error) {
	return f(ctx, call)
}

func (f HandlerFactoryFunc) Release(CallContext, any) {}
