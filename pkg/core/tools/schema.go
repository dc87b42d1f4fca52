package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrInvalidArguments = errors.New("invalid tool arguments")

// Validator checks tool arguments against the schemas a backend advertises.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the schema of every tool that has one.
func NewValidator(tools []Tool) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(tools))}
	for _, t := range tools {
		if len(t.Schema) == 0 {
			continue
		}
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
		}
		url := "mem://tools/" + t.Name + ".json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("tool %s: add schema: %w", t.Name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		v.schemas[t.Name] = s
	}
	return v, nil
}

// Validate returns nil when name has no schema or args satisfy it.
func (v *Validator) Validate(name string, args map[string]any) error {
	if v == nil {
		return nil
	}
	s, ok := v.schemas[name]
	if !ok {
		return nil
	}
	doc, err := normalizeJSON(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrInvalidArguments, ve.Error())
		}
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// normalizeJSON round-trips v so the validator only sees the types
// encoding/json produces.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidatingBackend rejects calls whose arguments do not match the tool
// schema before they reach the wrapped backend.
type ValidatingBackend struct {
	Backend
	validator *Validator
}

// WithValidation lists next's tools once and wraps it.
func WithValidation(ctx context.Context, next Backend) (*ValidatingBackend, error) {
	tools, err := next.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	v, err := NewValidator(tools)
	if err != nil {
		return nil, err
	}
	return &ValidatingBackend{Backend: next, validator: v}, nil
}

func (b *ValidatingBackend) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := b.validator.Validate(name, args); err != nil {
		return nil, execErr(name, err)
	}
	return b.Backend.CallTool(ctx, name, args)
}
