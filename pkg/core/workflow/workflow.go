// Package workflow models externally authored conversation graphs and renders
// them into model instructions.
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// StepType is the role a node plays in the graph.
type StepType string

const (
	StepStart       StepType = "start"
	StepEnd         StepType = "end"
	StepProcess     StepType = "process"
	StepDecision    StepType = "decision"
	StepTool        StepType = "tool"
	StepSubWorkflow StepType = "sub-workflow"
)

func (t StepType) valid() bool {
	switch t {
	case StepStart, StepEnd, StepProcess, StepDecision, StepTool, StepSubWorkflow:
		return true
	}
	return false
}

var ErrNotFound = errors.New("workflow not found")

// Step is one node of a workflow graph.
type Step struct {
	ID           string   `json:"id" yaml:"id"`
	Label        string   `json:"label" yaml:"label"`
	Type         StepType `json:"type" yaml:"type"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	// Tool names the tool a tool step calls.
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`
	// Workflow names the graph a sub-workflow step delegates to.
	Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Transition is a directed edge. Label is an optional guard.
type Transition struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Definition is a loaded workflow. It is treated as immutable.
type Definition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Step       `json:"nodes" yaml:"nodes"`
	Edges       []Transition `json:"edges" yaml:"edges"`

	// Source is the file the definition was read from, when known.
	Source string `json:"-" yaml:"-"`
}

// DisplayName is Name, or ID when the definition has no name.
func (d *Definition) DisplayName() string {
	if d == nil {
		return ""
	}
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return d.ID
}

// Validate checks the structural rules: unique step ids, exactly one start
// step, known step types, and transitions that reference existing steps.
// Any number of end steps is allowed.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.New("workflow is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("workflow id must be non-empty")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.ID)
	}

	seen := make(map[string]struct{}, len(d.Nodes))
	starts := 0
	for i, n := range d.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("workflow %q: nodes[%d].id must be non-empty", d.ID, i)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate step id %q", d.ID, n.ID)
		}
		seen[n.ID] = struct{}{}
		if !n.Type.valid() {
			return fmt.Errorf("workflow %q: step %q has unsupported type %q", d.ID, n.ID, n.Type)
		}
		switch n.Type {
		case StepStart:
			starts++
		case StepTool:
			if strings.TrimSpace(n.Tool) == "" {
				return fmt.Errorf("workflow %q: tool step %q must name a tool", d.ID, n.ID)
			}
		case StepSubWorkflow:
			if strings.TrimSpace(n.Workflow) == "" {
				return fmt.Errorf("workflow %q: sub-workflow step %q must name a workflow", d.ID, n.ID)
			}
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow %q must have exactly one start step, found %d", d.ID, starts)
	}
	for i, e := range d.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("workflow %q: edges[%d].from references unknown step %q", d.ID, i, e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("workflow %q: edges[%d].to references unknown step %q", d.ID, i, e.To)
		}
	}
	return nil
}

// Start returns the single start step. It assumes Validate passed.
func (d *Definition) Start() Step {
	for _, n := range d.Nodes {
		if n.Type == StepStart {
			return n
		}
	}
	return Step{}
}

// Step looks up a step by id.
func (d *Definition) Step(id string) (Step, bool) {
	if d == nil {
		return Step{}, false
	}
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Step{}, false
}

// Outgoing returns the transitions leaving id, in definition order.
func (d *Definition) Outgoing(id string) []Transition {
	var out []Transition
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
