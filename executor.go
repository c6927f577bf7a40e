package subrpc

import (
	"context"
	"encoding/json"
)

// CallInfo describes the call a middleware is wrapping.
type CallInfo struct {
	Path  string
	Kind  ProcedureKind
	Input json.RawMessage
}

// NextFunc continues the middleware chain with a (possibly derived)
// context.
type NextFunc func(ctx context.Context) (interface{}, error)

// Middleware wraps procedure execution. It may short-circuit by not
// calling next, transform the context, or return an error of its own.
type Middleware func(ctx context.Context, info *CallInfo, next NextFunc) (interface{}, error)

// CallOptions selects the procedure to execute.
type CallOptions struct {
	Path  string
	Kind  ProcedureKind
	Input json.RawMessage

	// AllowKindOverride lets a call reach a procedure of a different
	// kind. Never valid against a subscription.
	AllowKindOverride bool
}

// Call resolves a path, runs the middleware chain and the handler, and
// normalizes the outcome. Handler failures come back as *Error values,
// never as panics.
func (r *Router) Call(ctx context.Context, opts CallOptions) (interface{}, error) {
	proc, ok := r.procs[opts.Path]
	if !ok {
		return nil, Errorf(CodeNotFound, "no procedure on path %q", opts.Path)
	}
	if proc.Kind != opts.Kind {
		if !opts.AllowKindOverride {
			return nil, Errorf(CodeNotFound, "no %s on path %q", opts.Kind, opts.Path)
		}
		if proc.Kind == KindSubscription {
			return nil, Errorf(CodeMethodNotSupported, "cannot override subscription %q", opts.Path)
		}
	}

	info := &CallInfo{Path: opts.Path, Kind: opts.Kind, Input: opts.Input}
	next := func(ctx context.Context) (out interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = Errorf(CodeInternalServerError, "handler panic: %v", rec)
			}
		}()
		return proc.Handler(ctx, opts.Input)
	}
	// middleware runs in registration order, innermost last
	for i := len(r.middleware) - 1; i >= 0; i-- {
		mw, inner := r.middleware[i], next
		next = func(ctx context.Context) (interface{}, error) {
			return mw(ctx, info, inner)
		}
	}

	result, err := next(ctx)
	if err != nil {
		return nil, coerceError(err)
	}

	_, isObservable := result.(*Observable)
	if proc.Kind == KindSubscription && !isObservable {
		return nil, Errorf(CodeInternalServerError, "subscription %q did not return an observable", opts.Path)
	}
	if proc.Kind != KindSubscription && isObservable {
		return nil, Errorf(CodeUnsupportedMediaType, "%s %q returned an observable", proc.Kind, opts.Path)
	}
	return result, nil
}

// DecodeInput deserializes a wire-level input with the router's input
// transformer. Handlers use it to obtain their typed input.
func (r *Router) DecodeInput(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return r.transformers.Input.Deserialize(raw, v)
}

// Transformers returns the router's transformer pair.
func (r *Router) Transformers() TransformerPair { return r.transformers }

// DecodeInput deserializes a JSON handler input, mapping a malformed
// payload to BAD_REQUEST. Handlers on routers with a custom input
// transformer should use Router.DecodeInput instead.
func DecodeInput(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Errorf(CodeBadRequest, "invalid input: %v", err)
	}
	return nil
}
