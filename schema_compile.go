package planogram

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

// JSONSchema compiles the abstract schema for payload validation.
// Objects are closed (no additional properties) and optional fields accept null.
func (s *Schema) JSONSchema() *jsonschema.Schema {
	js := &jsonschema.Schema{Description: s.Description}
	typ := jsonType(s.Kind)

	switch s.Kind {
	case KindObject:
		js.Properties = make(map[string]*jsonschema.Schema, len(s.Fields))
		for _, f := range s.Fields {
			js.Properties[f.Name] = f.JSONSchema()
			if f.Required {
				js.Required = append(js.Required, f.Name)
			}
		}
		js.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
	case KindList:
		if s.Items != nil {
			js.Items = s.Items.JSONSchema()
		}
	case KindLiteral:
		for _, v := range s.Enum {
			js.Enum = append(js.Enum, v)
		}
		if !s.Required {
			js.Enum = append(js.Enum, nil)
		}
	}

	if s.Required {
		js.Type = typ
	} else {
		js.Types = []string{typ, "null"}
	}
	return js
}

func jsonType(k Kind) string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindList:
		return "array"
	case KindObject:
		return "object"
	default:
		return "string"
	}
}

// GenAI compiles the abstract schema into the provider's response schema.
func (s *Schema) GenAI() *genai.Schema {
	gs := &genai.Schema{Description: s.Description}
	if !s.Required {
		nullable := true
		gs.Nullable = &nullable
	}

	switch s.Kind {
	case KindInteger:
		gs.Type = genai.TypeInteger
	case KindFloat:
		gs.Type = genai.TypeNumber
	case KindBoolean:
		gs.Type = genai.TypeBoolean
	case KindLiteral:
		gs.Type = genai.TypeString
		gs.Format = "enum"
		gs.Enum = append([]string(nil), s.Enum...)
	case KindList:
		gs.Type = genai.TypeArray
		if s.Items != nil {
			gs.Items = s.Items.GenAI()
		}
	case KindObject:
		gs.Type = genai.TypeObject
		gs.Properties = make(map[string]*genai.Schema, len(s.Fields))
		for _, f := range s.Fields {
			gs.Properties[f.Name] = f.GenAI()
			gs.PropertyOrdering = append(gs.PropertyOrdering, f.Name)
			if f.Required {
				gs.Required = append(gs.Required, f.Name)
			}
		}
	default:
		gs.Type = genai.TypeString
	}
	return gs
}

// Validate decodes raw model output and checks it against the schema. The
// returned map's keys are exactly the payload's top-level keys.
func (s *Schema) Validate(raw []byte) (map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateMap(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateMap checks an already decoded payload.
func (s *Schema) ValidateMap(m map[string]any) error {
	rs := s.resolved
	if rs == nil {
		var err error
		if rs, err = s.JSONSchema().Resolve(nil); err != nil {
			return fmt.Errorf("compile schema %q: %w", s.Name, err)
		}
	}
	if err := rs.Validate(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// DecodePayload validates raw against s, or only requires a JSON object when
// s is nil (generic untyped schema).
func DecodePayload(s *Schema, raw []byte) (map[string]any, error) {
	if s == nil {
		return decodeObject(raw)
	}
	return s.Validate(raw)
}

func decodeObject(raw []byte) (map[string]any, error) {
	clean := SanitizeJSONResponse(raw)
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidPayload)
	}
	var m map[string]any
	if err := json.Unmarshal(clean, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: output is not a JSON object", ErrInvalidPayload)
	}
	return m, nil
}
