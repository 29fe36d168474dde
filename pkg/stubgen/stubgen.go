// Package stubgen writes TypeScript client stubs for an endpoint's operations.
// It is developer tooling and plays no part in serving calls.
package stubgen

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/template"

	"github.com/fgrzl/pushkit/pkg/registry"
)

// DefaultImport is the module the generated stubs import open from.
const DefaultImport = "Frontend/generated/pushclient"

var stubTemplate = template.Must(template.New("stub").Parse(
	`import { open, EndpointGenerator } from '{{ .Import }}';
{{ range .Operations }}
export function {{ .Name }}({{ .Signature }}): EndpointGenerator<{{ .Item }}> {
  return open('{{ $.Endpoint }}', '{{ .Name }}', [{{ .Args }}]);
}
{{ end }}`))

type stubFile struct {
	Import     string
	Endpoint   string
	Operations []stubOperation
}

type stubOperation struct {
	Name      string
	Signature string
	Args      string
	Item      string
}

// Generate writes the stub module for the endpoint's registry to w.
func Generate(w io.Writer, endpoint string, reg *registry.Registry, importPath string) error {
	if importPath == "" {
		importPath = DefaultImport
	}

	file := stubFile{Import: importPath, Endpoint: endpoint}
	for _, op := range reg.Operations() {
		params := make([]string, len(op.Params))
		for i, t := range op.Params {
			params[i] = fmt.Sprintf("%s: %s", op.ParamNames[i], TSType(t))
		}
		file.Operations = append(file.Operations, stubOperation{
			Name:      op.Name,
			Signature: strings.Join(params, ", "),
			Args:      strings.Join(op.ParamNames, ", "),
			Item:      TSType(op.Item),
		})
	}

	if err := stubTemplate.Execute(w, file); err != nil {
		return fmt.Errorf("generate stubs for %s: %w", endpoint, err)
	}
	return nil
}

// TSType maps a Go type to the TypeScript type of its JSON form.
func TSType(t reflect.Type) string {
	if t == nil {
		return "any"
	}
	switch t.Kind() {
	case reflect.Pointer:
		return TSType(t.Elem()) + " | null"
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return "string"
		}
		elem := TSType(t.Elem())
		if strings.Contains(elem, " ") {
			elem = "(" + elem + ")"
		}
		return elem + "[]"
	case reflect.Map:
		if t.Key().Kind() == reflect.String {
			return "Record<string, " + TSType(t.Elem()) + ">"
		}
		return "any"
	default:
		return "any"
	}
}
