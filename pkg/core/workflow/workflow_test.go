package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadYAMLAndNestedJSON(t *testing.T) {
	store, err := NewFileStore("testdata")
	require.NoError(t, err)

	a, err := store.Load(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, "Banking support", a.DisplayName())
	require.Equal(t, "A_start", a.Start().ID)
	require.Len(t, a.Outgoing("A_start"), 1)

	b, err := store.Load(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, "B_start", b.Start().ID)
	step, ok := b.Step("B_handoff")
	require.True(t, ok)
	require.Equal(t, StepSubWorkflow, step.Type)
	require.Equal(t, "A", step.Workflow)
}

func TestFileStore_NotFoundAndInvalid(t *testing.T) {
	store, err := NewFileStore("testdata")
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound), "err=%v", err)

	_, err = store.Load(context.Background(), "C")
	require.Error(t, err)
	require.Contains(t, err.Error(), "exactly one start step")
}

func TestFileStore_All(t *testing.T) {
	store, err := NewFileStore("testdata")
	require.NoError(t, err)

	results, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			require.True(t, strings.HasSuffix(r.Path, "two_starts.yml"), r.Path)
		}
	}
	require.Equal(t, 1, failed)
}

func TestFSStore_IDFallsBackToFileStem(t *testing.T) {
	fsys := fstest.MapFS{
		"intake.yaml": {Data: []byte("name: Intake\nnodes:\n  - id: s\n    type: start\n")},
	}
	def, err := NewFSStore(fsys).Load(context.Background(), "intake")
	require.NoError(t, err)
	require.Equal(t, "intake", def.ID)
}

func TestNewFileStore_RejectsMissingDir(t *testing.T) {
	_, err := NewFileStore("testdata/does-not-exist")
	require.Error(t, err)
	_, err = NewFileStore("  ")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
		want string
	}{
		{"no id", Definition{}, "id must be non-empty"},
		{"no steps", Definition{ID: "x"}, "has no steps"},
		{"duplicate", Definition{ID: "x", Nodes: []Step{{ID: "a", Type: StepStart}, {ID: "a", Type: StepEnd}}}, "duplicate step id"},
		{"bad type", Definition{ID: "x", Nodes: []Step{{ID: "a", Type: "loop"}}}, "unsupported type"},
		{"tool without name", Definition{ID: "x", Nodes: []Step{{ID: "a", Type: StepStart}, {ID: "t", Type: StepTool}}}, "must name a tool"},
		{"dangling edge", Definition{ID: "x", Nodes: []Step{{ID: "a", Type: StepStart}}, Edges: []Transition{{From: "a", To: "zz"}}}, "unknown step"},
		{"no start", Definition{ID: "x", Nodes: []Step{{ID: "a", Type: StepEnd}}}, "exactly one start step"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}

	ok := Definition{ID: "x", Nodes: []Step{{ID: "a", Type: StepStart}, {ID: "e1", Type: StepEnd}, {ID: "e2", Type: StepEnd}}}
	require.NoError(t, ok.Validate())
}

func TestRender(t *testing.T) {
	store, err := NewFileStore("testdata")
	require.NoError(t, err)
	def, err := store.Load(context.Background(), "B")
	require.NoError(t, err)

	block := Render(def)
	require.True(t, strings.HasPrefix(block, Marker))
	require.Contains(t, block, "[STEP: <step id>]")
	require.Contains(t, block, "ENTRY POINT: start at step B_start.")
	require.Contains(t, block, "IF rating below 3 GOTO B_handoff")
	require.Contains(t, block, `calling start_workflow with workflowId "A"`)
	require.Contains(t, block, "STEP B_thanks (end)")
}

func TestApplyToPrompt_ReplacesPriorBlock(t *testing.T) {
	base := "You are a helpful banking assistant."
	first := ApplyToPrompt(base, Marker+"\nold block")
	require.Equal(t, base+"\n\n"+Marker+"\nold block", first)

	second := ApplyToPrompt(first, Marker+"\nnew block")
	require.Equal(t, base+"\n\n"+Marker+"\nnew block", second)
	require.Equal(t, 1, strings.Count(second, Marker))

	require.Equal(t, base, ApplyToPrompt(second, ""))
	require.Equal(t, Marker+"\nonly", ApplyToPrompt("", Marker+"\nonly"))
}

func TestNudge(t *testing.T) {
	def := &Definition{ID: "B", Nodes: []Step{{ID: "B_start", Type: StepStart}}}
	n := Nudge(def)
	require.Contains(t, n, "B_start")
	require.Contains(t, n, `"B"`)
	require.Equal(t, "", Nudge(nil))
}
