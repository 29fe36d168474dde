package registry

import (
	"context"
	"reflect"

	"github.com/fgrzl/enumerators"
)

// Register0 adds an operation without parameters to the table.
func Register0[T any](r *Registry, name string, fn func(ctx context.Context) enumerators.Enumerator[T]) {
	r.add(&Operation{
		Name:       name,
		Params:     []reflect.Type{},
		ParamNames: []string{},
		Item:       reflect.TypeFor[T](),
		invoke: func(ctx context.Context, _ []reflect.Value) (Sequence, error) {
			return typed(fn(ctx))
		},
	})
}

// Register1 adds an operation with one parameter to the table.
func Register1[A, T any](r *Registry, name string, fn func(ctx context.Context, a A) enumerators.Enumerator[T], names ...string) {
	r.add(&Operation{
		Name:       name,
		Params:     []reflect.Type{reflect.TypeFor[A]()},
		ParamNames: paramNames(names, 1),
		Item:       reflect.TypeFor[T](),
		invoke: func(ctx context.Context, args []reflect.Value) (Sequence, error) {
			return typed(fn(ctx, arg[A](args[0])))
		},
	})
}

// Register2 adds an operation with two parameters to the table.
func Register2[A, B, T any](r *Registry, name string, fn func(ctx context.Context, a A, b B) enumerators.Enumerator[T], names ...string) {
	r.add(&Operation{
		Name:       name,
		Params:     []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()},
		ParamNames: paramNames(names, 2),
		Item:       reflect.TypeFor[T](),
		invoke: func(ctx context.Context, args []reflect.Value) (Sequence, error) {
			return typed(fn(ctx, arg[A](args[0]), arg[B](args[1])))
		},
	})
}

// Register3 adds an operation with three parameters to the table.
func Register3[A, B, C, T any](r *Registry, name string, fn func(ctx context.Context, a A, b B, c C) enumerators.Enumerator[T], names ...string) {
	r.add(&Operation{
		Name:       name,
		Params:     []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()},
		ParamNames: paramNames(names, 3),
		Item:       reflect.TypeFor[T](),
		invoke: func(ctx context.Context, args []reflect.Value) (Sequence, error) {
			return typed(fn(ctx, arg[A](args[0]), arg[B](args[1]), arg[C](args[2])))
		},
	})
}

func typed[T any](e enumerators.Enumerator[T]) (Sequence, error) {
	if e == nil {
		return nil, nil
	}
	return erase(e), nil
}

func arg[A any](v reflect.Value) A {
	var a A
	reflect.ValueOf(&a).Elem().Set(v)
	return a
}
