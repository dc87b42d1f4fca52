package workflow

import (
	"fmt"
	"strings"
)

// Marker opens the workflow block appended to a system prompt. Everything
// from the marker to the end of the prompt belongs to the block.
const Marker = "### WORKFLOW INSTRUCTIONS ###"

// Render turns a definition into the imperative instruction block the model
// follows: a mandatory step tag on every turn, the entry point, and each step
// with its instructions and outgoing transitions.
func Render(def *Definition) string {
	if def == nil {
		return ""
	}
	start := def.Start()

	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "You are running the workflow %q (id: %s).\n", def.DisplayName(), def.ID)
	if desc := strings.TrimSpace(def.Description); desc != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", desc)
	}
	b.WriteString("MANDATORY: begin every reply with a step tag of the form [STEP: <step id>] naming the step you are on. ")
	b.WriteString("The tag is removed before the caller sees or hears your reply. Never skip it and never invent step ids.\n")
	fmt.Fprintf(&b, "ENTRY POINT: start at step %s.\n\n", start.ID)
	b.WriteString("STEPS:\n")

	for _, n := range def.Nodes {
		label := strings.TrimSpace(n.Label)
		if label == "" {
			label = n.ID
		}
		fmt.Fprintf(&b, "STEP %s (%s): %s\n", n.ID, n.Type, label)
		if instr := strings.TrimSpace(n.Instructions); instr != "" {
			for _, line := range strings.Split(instr, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					fmt.Fprintf(&b, "  - %s\n", line)
				}
			}
		}
		switch n.Type {
		case StepTool:
			fmt.Fprintf(&b, "  - Call the tool %s. Do not read the call aloud.\n", n.Tool)
		case StepSubWorkflow:
			fmt.Fprintf(&b, "  - Hand over by calling start_workflow with workflowId %q.\n", n.Workflow)
		case StepEnd:
			b.WriteString("  - This step ends the workflow. Close the conversation politely.\n")
		}
		for _, e := range def.Outgoing(n.ID) {
			if guard := strings.TrimSpace(e.Label); guard != "" {
				fmt.Fprintf(&b, "  - IF %s GOTO %s\n", guard, e.To)
			} else {
				fmt.Fprintf(&b, "  - GOTO %s\n", e.To)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ApplyToPrompt replaces any workflow block already present in prompt with
// block. An empty block strips the existing one.
func ApplyToPrompt(prompt, block string) string {
	if i := strings.Index(prompt, Marker); i >= 0 {
		prompt = prompt[:i]
	}
	prompt = strings.TrimRight(prompt, " \t\n")
	block = strings.TrimSpace(block)
	switch {
	case block == "":
		return prompt
	case prompt == "":
		return block
	default:
		return prompt + "\n\n" + block
	}
}

// Nudge is the synthetic system message sent after a restart so the model
// starts at the entry point without waiting for the caller.
func Nudge(def *Definition) string {
	if def == nil {
		return ""
	}
	start := def.Start().ID
	return fmt.Sprintf("[SYSTEM] The workflow %q is now active. Begin at step %s and tag your reply with [STEP: %s].", def.DisplayName(), start, start)
}
