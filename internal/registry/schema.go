package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is the compiled parameter list of a tool.
type Schema struct {
	params     []Parameter
	index      map[string]int
	validators map[string]*jsonschema.Schema
}

// NewSchema compiles the JSON Schemas attached to params.
func NewSchema(params []Parameter) (*Schema, error) {
	s := &Schema{
		params:     params,
		index:      make(map[string]int, len(params)),
		validators: make(map[string]*jsonschema.Schema),
	}
	for i, p := range params {
		s.index[p.Name] = i
		if p.Schema == nil {
			continue
		}
		compiled, err := compileParamSchema(p.Name, p.Schema)
		if err != nil {
			return nil, err
		}
		s.validators[p.Name] = compiled
	}
	return s, nil
}

func compileParamSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so Go-typed literals ([]string etc.) become
	// the generic shapes the compiler expects.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("parameter %q: schema marshal: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parameter %q: schema unmarshal: %w", name, err)
	}

	url := "param-" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("parameter %q: schema compile: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("parameter %q: schema compile: %w", name, err)
	}
	return compiled, nil
}

// Parameters returns the declared parameters in declaration order.
func (s *Schema) Parameters() []Parameter {
	if s == nil {
		return nil
	}
	return s.params
}

// Param looks up a parameter by name.
func (s *Schema) Param(name string) (Parameter, bool) {
	if s == nil {
		return Parameter{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Parameter{}, false
	}
	return s.params[i], true
}

// ValidateValue checks v against the parameter's JSON Schema, if it has one.
func (s *Schema) ValidateValue(name string, v any) error {
	if s == nil {
		return nil
	}
	compiled, ok := s.validators[name]
	if !ok {
		return nil
	}
	return compiled.Validate(v)
}
