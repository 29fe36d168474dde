package endpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fgrzl/pushkit/pkg/api"
	"github.com/fgrzl/pushkit/pkg/registry"
)

// Endpoint is a named handler whose streaming operations can be called over a
// connection.
type Endpoint struct {
	name     string
	registry *registry.Registry
}

// New binds the operations of handler under the endpoint name.
func New(name string, handler any) *Endpoint {
	return NewFromRegistry(name, registry.Bind(handler))
}

// NewFromRegistry creates an endpoint from an explicitly built registry.
func NewFromRegistry(name string, reg *registry.Registry) *Endpoint {
	if reg.Len() == 0 {
		slog.Warn("endpoint: no callable operations", slog.String("endpoint", name))
	}
	return &Endpoint{
		name:     name,
		registry: reg,
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) Registry() *registry.Registry {
	return e.registry
}

// Dispatch resolves and invokes the operation named by the call. The returned
// sequence has not been started. Failures are *api.CallError values; the
// operation is never invoked when the name is unknown or the arguments do not
// decode.
func (e *Endpoint) Dispatch(ctx context.Context, call *api.Call) (registry.Sequence, error) {
	op, ok := e.registry.Lookup(call.Method)
	if !ok {
		return nil, api.NewCallError(call.ID, api.CodeUnknownMethod, fmt.Errorf("unknown method %q on endpoint %q", call.Method, e.name))
	}

	args, err := registry.DecodeArgs(call.Args, op.Params)
	if err != nil {
		return nil, api.NewCallError(call.ID, api.CodeBadArguments, fmt.Errorf("%s: %w", call.Method, err))
	}

	seq, err := op.Invoke(WithCallID(ctx, call.ID), args)
	if err != nil {
		return nil, api.NewCallError(call.ID, api.CodeInvocationFailed, fmt.Errorf("%s: %w", call.Method, err))
	}

	slog.DebugContext(ctx, "endpoint: dispatched",
		slog.String("endpoint", e.name),
		slog.String("method", call.Method),
		slog.Int64("call_id", call.ID))
	return seq, nil
}
