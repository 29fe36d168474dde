package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var errNullArgument = errors.New("null is not a value of this type")

// DecodingError reports an argument list that does not match the declared
// parameters. Index is -1 for an arity mismatch.
type DecodingError struct {
	Index int
	Type  reflect.Type
	Want  int
	Got   int
	Err   error
}

func (e *DecodingError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("expected %d arguments, got %d", e.Want, e.Got)
	}
	return fmt.Sprintf("argument %d: cannot decode as %s: %v", e.Index, e.Type, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// DecodeArgs decodes raw JSON arguments against the declared parameter types.
// Absent args are accepted only by operations without parameters. A null
// argument is accepted only for pointer, interface, slice and map parameters.
func DecodeArgs(raw []json.RawMessage, params []reflect.Type) ([]reflect.Value, error) {
	if len(raw) != len(params) {
		return nil, &DecodingError{Index: -1, Want: len(params), Got: len(raw)}
	}

	args := make([]reflect.Value, len(params))
	for i, t := range params {
		if isNull(raw[i]) && !nullable(t) {
			return nil, &DecodingError{Index: i, Type: t, Err: errNullArgument}
		}
		ptr := reflect.New(t)
		if err := json.Unmarshal(raw[i], ptr.Interface()); err != nil {
			return nil, &DecodingError{Index: i, Type: t, Err: err}
		}
		args[i] = ptr.Elem()
	}
	return args, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return true
	}
	return false
}
