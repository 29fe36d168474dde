// Package registry indexes the streaming operations of an endpoint by name.
//
// Operations are either discovered on a handler value with Bind, or added to the
// table explicitly with the typed Register functions. Either way each operation
// carries the runtime descriptors of its parameters and of the items it yields,
// which the argument decoder and the stub generator work from.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"unicode"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// ErrNilSequence is returned when an operation produced no sequence and no error.
var ErrNilSequence = errors.New("operation returned a nil sequence")

// ParamNamer lets a handler name the parameters of its operations. Go reflection
// does not expose parameter names; without them stub generation falls back to
// arg0, arg1, ...
type ParamNamer interface {
	ParamNames() map[string][]string
}

type invokeFunc func(ctx context.Context, args []reflect.Value) (Sequence, error)

// Operation is one callable streaming operation. It is immutable once registered.
type Operation struct {
	Name       string
	Params     []reflect.Type
	ParamNames []string
	Item       reflect.Type
	invoke     invokeFunc
}

// Invoke calls the operation with decoded arguments. A panic raised before the
// sequence exists is returned as an error.
func (op *Operation) Invoke(ctx context.Context, args []reflect.Value) (seq Sequence, err error) {
	defer func() {
		if r := recover(); r != nil {
			seq, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	seq, err = op.invoke(ctx, args)
	if err == nil && seq == nil {
		return nil, ErrNilSequence
	}
	return seq, err
}

// Registry maps operation names to operations.
type Registry struct {
	operations map[string]*Operation
}

func New() *Registry {
	return &Registry{operations: make(map[string]*Operation)}
}

// Bind builds a registry from the methods of handler.
func Bind(handler any) *Registry {
	r := New()
	r.Bind(handler)
	return r
}

// Bind adds every eligible method of handler under its wire name (see WireName).
// A method is eligible when it is exported, declared on the handler's own type
// rather than promoted from an embedded field, not variadic, and returns
// enumerators.Enumerator[T] optionally followed by an error. A leading
// context.Context parameter receives the call context. Other methods are skipped.
func (r *Registry) Bind(handler any) {
	rv := reflect.ValueOf(handler)
	rt := rv.Type()

	var names map[string][]string
	if namer, ok := handler.(ParamNamer); ok {
		names = namer.ParamNames()
	}

	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)

		if isPromoted(rt, method.Name) {
			slog.Debug("registry: ignoring promoted method", slog.String("type", rt.String()), slog.String("method", method.Name))
			continue
		}

		op, reason := newMethodOperation(rv.Method(i), WireName(method.Name))
		if op == nil {
			slog.Debug("registry: ignoring method", slog.String("type", rt.String()), slog.String("method", method.Name), slog.String("reason", reason))
			continue
		}

		op.ParamNames = paramNames(names[op.Name], len(op.Params))
		r.add(op)
	}
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (*Operation, bool) {
	op, ok := r.operations[name]
	return op, ok
}

// Operations returns all operations sorted by name.
func (r *Registry) Operations() []*Operation {
	ops := make([]*Operation, 0, len(r.operations))
	for _, op := range r.operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops
}

func (r *Registry) Len() int {
	return len(r.operations)
}

func (r *Registry) add(op *Operation) {
	if _, exists := r.operations[op.Name]; exists {
		panic(fmt.Sprintf("registry: operation %q registered twice", op.Name))
	}
	r.operations[op.Name] = op
}

func newMethodOperation(fn reflect.Value, name string) (*Operation, string) {
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, "variadic"
	}

	switch ft.NumOut() {
	case 1:
	case 2:
		if ft.Out(1) != errorType {
			return nil, "second result is not an error"
		}
	default:
		return nil, "not an enumerator"
	}
	item, ok := isEnumerator(ft.Out(0))
	if !ok {
		return nil, "not an enumerator"
	}

	takesContext := ft.NumIn() > 0 && ft.In(0) == contextType
	first := 0
	if takesContext {
		first = 1
	}
	params := make([]reflect.Type, 0, ft.NumIn()-first)
	for i := first; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}

	invoke := func(ctx context.Context, args []reflect.Value) (Sequence, error) {
		in := make([]reflect.Value, 0, len(args)+1)
		if takesContext {
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		in = append(in, args...)

		out := fn.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		if out[0].IsNil() {
			return nil, nil
		}
		return newReflectSequence(out[0]), nil
	}

	return &Operation{
		Name:   name,
		Params: params,
		Item:   item,
		invoke: invoke,
	}, ""
}

// isPromoted reports whether the method is only reachable through an embedded
// field. A method the type declares itself is kept even when it shadows one of
// an embedded field.
func isPromoted(t reflect.Type, name string) bool {
	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct || !embedsMethod(st, name) {
		return false
	}
	if m, ok := st.MethodByName(name); ok && !isWrapper(m) {
		return false
	}
	if t != st {
		if m, ok := t.MethodByName(name); ok && !isWrapper(m) {
			return false
		}
	}
	return true
}

// embedsMethod reports whether an anonymous field of st has a method called name.
func embedsMethod(st reflect.Type, name string) bool {
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.Anonymous {
			continue
		}
		if _, ok := field.Type.MethodByName(name); ok {
			return true
		}
		if field.Type.Kind() != reflect.Pointer && field.Type.Kind() != reflect.Interface {
			if _, ok := reflect.PointerTo(field.Type).MethodByName(name); ok {
				return true
			}
		}
	}
	return false
}

// isWrapper reports whether the compiler generated the method, as it does for
// promoted methods and for value methods seen through a pointer.
func isWrapper(m reflect.Method) bool {
	fn := runtime.FuncForPC(m.Func.Pointer())
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(fn.Entry())
	return file == "<autogenerated>"
}

// WireName is the name a method is called by: the Go name with its leading
// capital run lowered, so StartCountdown becomes startCountdown and HTTPStatus
// becomes httpStatus.
func WireName(method string) string {
	runes := []rune(method)
	for i := range runes {
		if !unicode.IsUpper(runes[i]) {
			break
		}
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

func paramNames(names []string, n int) []string {
	out := make([]string, n)
	for i := range out {
		if i < len(names) && names[i] != "" {
			out[i] = names[i]
		} else {
			out[i] = fmt.Sprintf("arg%d", i)
		}
	}
	return out
}
