package taskqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
	"gopkg.in/yaml.v3"
)

// Field type names accepted in ResponseFormat.Fields.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

var fieldTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeBoolean: true,
	TypeObject: true, TypeArray: true, TypeAny: true,
}

// ValidatePayload rejects payloads a completer could not act on.
func ValidatePayload(p models.Payload) error {
	hasContent := false
	for _, b := range p.Blocks {
		if strings.TrimSpace(b.Content) != "" {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return fmt.Errorf("%w: no instruction or context blocks", errors.ErrInvalidPayload)
	}

	rf := p.ResponseFormat
	switch {
	case rf.Kind.Structured():
		for name, typ := range rf.Fields {
			if name == "" || !fieldTypes[typ] {
				return fmt.Errorf("%w: field %q has unknown type %q", errors.ErrInvalidPayload, name, typ)
			}
		}
	case rf.Kind != models.FormatText:
		return fmt.Errorf("%w: unrecognized response format %q", errors.ErrInvalidPayload, rf.Kind)
	case len(rf.Fields) > 0:
		return fmt.Errorf("%w: fields require a structured response format", errors.ErrInvalidPayload)
	}
	return nil
}

// ValidateResult checks result against the declared format. Structured
// results must consist of exactly one JSON or YAML document whose top level
// is an object or array, with nothing before or after it.
func ValidateResult(f models.ResponseFormat, result string) error {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return fmt.Errorf("empty result")
	}

	var doc any
	switch f.Kind {
	case models.FormatText:
		return nil
	case models.FormatJSON:
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("not valid json: %v", err)
		}
		var extra any
		if err := dec.Decode(&extra); err != io.EOF {
			return fmt.Errorf("unexpected content after json document")
		}
	case models.FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader([]byte(trimmed)))
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			return fmt.Errorf("not valid yaml: %v", err)
		}
		var extra yaml.Node
		if err := dec.Decode(&extra); err != io.EOF {
			return fmt.Errorf("unexpected content after yaml document")
		}
		if len(node.Content) == 0 {
			return fmt.Errorf("empty yaml document")
		}
		if k := node.Content[0].Kind; k != yaml.MappingNode && k != yaml.SequenceNode {
			return fmt.Errorf("yaml result must be a mapping or sequence")
		}
		if err := node.Decode(&doc); err != nil {
			return fmt.Errorf("not valid yaml: %v", err)
		}
		doc = stringKeys(doc)
	default:
		return fmt.Errorf("unrecognized response format %q", f.Kind)
	}

	switch doc.(type) {
	case map[string]any, []any:
	default:
		return fmt.Errorf("%s result must be an object or array, got %s", f.Kind, typeName(doc))
	}
	return checkFields(f.Fields, doc)
}

// stringKeys rewrites the map[any]any that yaml produces for mappings with
// non-string keys into map[string]any, recursively.
func stringKeys(v any) any {
	switch v := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		for k, val := range v {
			v[k] = stringKeys(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = stringKeys(val)
		}
		return v
	}
	return v
}

func checkFields(fields map[string]string, doc any) error {
	if len(fields) == 0 {
		return nil
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("result must be an object with fields %s", fieldList(fields))
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, present := obj[name]
		if !present {
			return fmt.Errorf("missing field %q", name)
		}
		want := fields[name]
		if want != TypeAny && typeName(v) != want {
			return fmt.Errorf("field %q is %s, want %s", name, typeName(v), want)
		}
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case json.Number, int, int64, uint64, float64:
		return TypeNumber
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}
	return fmt.Sprintf("%T", v)
}

func fieldList(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
