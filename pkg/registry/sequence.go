package registry

import (
	"reflect"

	"github.com/fgrzl/enumerators"
)

const enumeratorsPkg = "github.com/fgrzl/enumerators"

// Sequence is the type-erased view of an enumerators.Enumerator[T] returned by an
// operation. Every enumerators.Enumerator[any] is a Sequence.
//
// A sequence that fails stops with MoveNext returning false and reports the
// failure from Err.
type Sequence interface {
	MoveNext() bool
	Current() (any, error)
	Err() error
	Dispose()
}

var _ Sequence = enumerators.Enumerator[any](nil)

// isEnumerator reports whether t is an enumerators.Enumerator[T] and returns T.
func isEnumerator(t reflect.Type) (reflect.Type, bool) {
	if t.Kind() != reflect.Interface || t.PkgPath() != enumeratorsPkg {
		return nil, false
	}
	current, ok := t.MethodByName("Current")
	if !ok || current.Type.NumIn() != 0 || current.Type.NumOut() != 2 || current.Type.Out(1) != errorType {
		return nil, false
	}
	for _, name := range []string{"MoveNext", "Err", "Dispose"} {
		if _, ok := t.MethodByName(name); !ok {
			return nil, false
		}
	}
	return current.Type.Out(0), true
}

// reflectSequence drives an enumerator whose item type is only known at runtime.
type reflectSequence struct {
	moveNext reflect.Value
	current  reflect.Value
	err      reflect.Value
	dispose  reflect.Value
}

func newReflectSequence(v reflect.Value) Sequence {
	return &reflectSequence{
		moveNext: v.MethodByName("MoveNext"),
		current:  v.MethodByName("Current"),
		err:      v.MethodByName("Err"),
		dispose:  v.MethodByName("Dispose"),
	}
}

func (s *reflectSequence) MoveNext() bool {
	return s.moveNext.Call(nil)[0].Bool()
}

func (s *reflectSequence) Current() (any, error) {
	out := s.current.Call(nil)
	return out[0].Interface(), asError(out[1])
}

func (s *reflectSequence) Err() error {
	return asError(s.err.Call(nil)[0])
}

func (s *reflectSequence) Dispose() {
	s.dispose.Call(nil)
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// erase adapts a typed enumerator for the multiplexer. It forwards Err of the
// wrapped enumerator, so a failed source is not reported as a clean end.
func erase[T any](e enumerators.Enumerator[T]) Sequence {
	return &erased[T]{base: e}
}

type erased[T any] struct {
	base enumerators.Enumerator[T]
}

func (s *erased[T]) MoveNext() bool { return s.base.MoveNext() }

func (s *erased[T]) Current() (any, error) {
	item, err := s.base.Current()
	return item, err
}

func (s *erased[T]) Err() error { return s.base.Err() }
func (s *erased[T]) Dispose()   { s.base.Dispose() }
