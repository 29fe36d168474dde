package pushkit

import (
	"context"
	"encoding/json"

	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/pushkit/pkg/api"
)

type Call = api.Call
type Response = api.Response
type CallError = api.CallError
type ErrorCode = api.ErrorCode

type Client interface {

	// Call a method on the endpoint and stream the raw items it yields.
	// Disposing the enumerator early cancels the call.
	Open(ctx context.Context, method string, args ...any) enumerators.Enumerator[json.RawMessage]

	// Close the connection. Open calls fail.
	Close() error
}

// Open calls method on the endpoint behind client and decodes every item as T.
// A call that fails stops the enumerator and reports a *CallError from Err.
func Open[T any](ctx context.Context, client Client, method string, args ...any) enumerators.Enumerator[T] {
	return &decoder[T]{base: client.Open(ctx, method, args...)}
}

// decoder decodes raw items as T. Unlike enumerators.Map it keeps the error of
// the underlying call.
type decoder[T any] struct {
	base    enumerators.Enumerator[json.RawMessage]
	current T
	err     error
}

func (d *decoder[T]) MoveNext() bool {
	if d.err != nil {
		return false
	}
	if !d.base.MoveNext() {
		d.err = d.base.Err()
		return false
	}
	raw, err := d.base.Current()
	if err != nil {
		d.err = err
		return false
	}
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		d.err = err
		return false
	}
	d.current = item
	return true
}

func (d *decoder[T]) Current() (T, error) {
	return d.current, d.err
}

func (d *decoder[T]) Err() error {
	return d.err
}

func (d *decoder[T]) Dispose() {
	d.base.Dispose()
}
