package planogram

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// Kind is the declared type of a field definition.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindLiteral Kind = "literal"
	KindList    Kind = "list"
	KindObject  Kind = "object"
)

var kindAliases = map[string]Kind{
	"string": KindString, "str": KindString, "text": KindString,
	"integer": KindInteger, "int": KindInteger,
	"float": KindFloat, "number": KindFloat, "decimal": KindFloat,
	"boolean": KindBoolean, "bool": KindBoolean,
	"literal": KindLiteral, "enum": KindLiteral,
	"list": KindList, "array": KindList,
	"object": KindObject, "dict": KindObject, "nested": KindObject,
}

// ParseKind normalises a user-authored type name.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

func (k Kind) isLeaf() bool {
	switch k {
	case KindString, KindInteger, KindFloat, KindBoolean, KindLiteral:
		return true
	}
	return false
}

// FieldDefinition is one user-authored schema field, possibly nested.
type FieldDefinition struct {
	Name          string            `json:"name" yaml:"name"`
	Kind          Kind              `json:"type" yaml:"type"`
	Required      bool              `json:"required,omitempty" yaml:"required,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedValues []string          `json:"values,omitempty" yaml:"values,omitempty"`
	Fields        []FieldDefinition `json:"fields,omitempty" yaml:"fields,omitempty"`
	ItemKind      Kind              `json:"items,omitempty" yaml:"items,omitempty"`
}

// UnmarshalJSON accepts kind aliases ("int", "enum", ...).
func (f *FieldDefinition) UnmarshalJSON(b []byte) error {
	type raw FieldDefinition
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*f = FieldDefinition(r)
	f.normaliseKinds()
	return nil
}

// UnmarshalYAML accepts kind aliases ("int", "enum", ...).
func (f *FieldDefinition) UnmarshalYAML(n *yaml.Node) error {
	type raw FieldDefinition
	var r raw
	if err := n.Decode(&r); err != nil {
		return err
	}
	*f = FieldDefinition(r)
	f.normaliseKinds()
	return nil
}

// Unknown kinds are left as written so the builder can name them.
func (f *FieldDefinition) normaliseKinds() {
	if k, ok := ParseKind(string(f.Kind)); ok {
		f.Kind = k
	}
	if f.ItemKind != "" {
		if k, ok := ParseKind(string(f.ItemKind)); ok {
			f.ItemKind = k
		}
	}
}

// Schema is the abstract, language-agnostic output contract of a stage.
// Leaf nodes carry a scalar Kind (and Enum for literals); composite nodes are
// KindList (Items) or KindObject (Fields).
type Schema struct {
	Name        string
	Kind        Kind
	Description string
	Required    bool
	Enum        []string
	Items       *Schema
	Fields      []*Schema

	resolved *jsonschema.Resolved
}

// Keys returns the top-level field names in declaration order.
func (s *Schema) Keys() []string {
	keys := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		keys = append(keys, f.Name)
	}
	return keys
}

// BuildSchema materialises the output contract for a stage. It returns
// (nil, nil) when defs is empty; callers then use the generic untyped schema.
func BuildSchema(stage string, defs []FieldDefinition, log *slog.Logger) (*Schema, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(defs) == 0 {
		log.Warn("No field definitions, falling back to generic schema", "stage", stage)
		return nil, nil
	}

	b := &schemaBuilder{stage: stage, log: log}
	fields, err := b.fields("", defs)
	if err != nil {
		return nil, err
	}
	root := &Schema{Name: stage, Kind: KindObject, Required: true, Fields: fields}

	resolved, err := root.JSONSchema().Resolve(nil)
	if err != nil {
		return nil, &SchemaBuildError{Stage: stage, Reason: fmt.Sprintf("compile: %v", err)}
	}
	root.resolved = resolved

	log.Debug("Built schema", "stage", stage, "fields", root.Keys())
	return root, nil
}

type schemaBuilder struct {
	stage string
	log   *slog.Logger
}

func (b *schemaBuilder) fields(parent string, defs []FieldDefinition) ([]*Schema, error) {
	seen := make(map[string]bool, len(defs))
	out := make([]*Schema, 0, len(defs))
	for _, d := range defs {
		path := joinKey(parent, d.Name)
		if strings.TrimSpace(d.Name) == "" {
			return nil, &SchemaBuildError{Stage: b.stage, Path: path, Reason: "field name is empty"}
		}
		if seen[d.Name] {
			return nil, &SchemaBuildError{Stage: b.stage, Path: path, Reason: "duplicate field name"}
		}
		seen[d.Name] = true

		node, err := b.field(path, d)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func (b *schemaBuilder) field(path string, d FieldDefinition) (*Schema, error) {
	node := &Schema{Name: d.Name, Kind: d.Kind, Description: d.Description, Required: d.Required}

	switch d.Kind {
	case KindString, KindInteger, KindFloat, KindBoolean:
		b.ignoreExtras(path, d)
	case KindLiteral:
		if len(d.AllowedValues) == 0 {
			return nil, &SchemaBuildError{Stage: b.stage, Path: path, Reason: "literal field has no allowed values"}
		}
		if len(d.Fields) > 0 {
			b.log.Debug("Ignoring nested fields on literal", "stage", b.stage, "field", path)
		}
		node.Enum = append([]string(nil), d.AllowedValues...)
	case KindList:
		items, err := b.listItems(path, d)
		if err != nil {
			return nil, err
		}
		node.Items = items
	case KindObject:
		if len(d.Fields) == 0 {
			return nil, &SchemaBuildError{Stage: b.stage, Path: path, Reason: "object field has no nested fields"}
		}
		if len(d.AllowedValues) > 0 {
			b.log.Debug("Ignoring allowed values on object", "stage", b.stage, "field", path)
		}
		children, err := b.fields(path, d.Fields)
		if err != nil {
			return nil, err
		}
		node.Fields = children
	case "":
		return nil, &SchemaBuildError{Stage: b.stage, Path: path, Reason: "field type is empty"}
	default:
		return nil, &SchemaBuildError{Stage: b.stage, Path: path, Reason: fmt.Sprintf("unknown field type %q", d.Kind)}
	}
	return node, nil
}

func (b *schemaBuilder) listItems(path string, d FieldDefinition) (*Schema, error) {
	itemPath := path + "[]"
	if len(d.Fields) > 0 {
		children, err := b.fields(itemPath, d.Fields)
		if err != nil {
			return nil, err
		}
		return &Schema{Kind: KindObject, Required: true, Fields: children}, nil
	}

	kind := d.ItemKind
	if kind == "" {
		kind = KindString
	}
	if !kind.isLeaf() {
		return nil, &SchemaBuildError{Stage: b.stage, Path: itemPath, Reason: fmt.Sprintf("list item type %q needs nested fields", kind)}
	}
	item := &Schema{Kind: kind, Required: true}
	if kind == KindLiteral {
		if len(d.AllowedValues) == 0 {
			return nil, &SchemaBuildError{Stage: b.stage, Path: itemPath, Reason: "literal list items have no allowed values"}
		}
		item.Enum = append([]string(nil), d.AllowedValues...)
	}
	return item, nil
}

func (b *schemaBuilder) ignoreExtras(path string, d FieldDefinition) {
	if len(d.AllowedValues) > 0 {
		b.log.Debug("Ignoring allowed values on non-literal field", "stage", b.stage, "field", path, "kind", d.Kind)
	}
	if len(d.Fields) > 0 {
		b.log.Debug("Ignoring nested fields on scalar field", "stage", b.stage, "field", path, "kind", d.Kind)
	}
}

func joinKey(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}
