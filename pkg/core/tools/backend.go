// Package tools provides the backends that execute tool calls for a voice
// session, plus argument validation and result caching around them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tool describes a callable tool. Schema is a JSON Schema object for the
// arguments.
type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	// Function is the Lambda function name or ARN serving the tool.
	Function string `json:"function,omitempty" yaml:"function,omitempty"`
}

// Backend executes tools. CallTool returns a JSON-compatible value.
type Backend interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	ListTools(ctx context.Context) ([]Tool, error)
}

// Credentials are caller-supplied cloud credentials for backends that need
// them.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Region          string `json:"region,omitempty"`
}

func (c *Credentials) Valid() bool {
	return c != nil && strings.TrimSpace(c.AccessKeyID) != "" && strings.TrimSpace(c.SecretAccessKey) != ""
}

// Factory builds a backend, optionally bound to session credentials. A nil
// creds means the process defaults.
type Factory func(ctx context.Context, creds *Credentials) (Backend, error)

var ErrUnknownTool = errors.New("unknown tool")

// ExecutionError wraps a backend failure for one tool call.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(tool string, err error) error {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Tool: tool, Err: err}
}

// ResultText renders a tool result the way it is fed back to the model.
func ResultText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

type manifest struct {
	Tools []Tool `json:"tools" yaml:"tools"`
}

// LoadManifest reads tool descriptions from a YAML or JSON file.
func LoadManifest(path string) ([]Tool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(b, &m)
	default:
		err = yaml.Unmarshal(b, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parse tool manifest %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for i, t := range m.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tool manifest %s: tools[%d].name must be non-empty", path, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("tool manifest %s: duplicate tool %q", path, name)
		}
		seen[name] = struct{}{}
		m.Tools[i].Name = name
	}
	return m.Tools, nil
}
