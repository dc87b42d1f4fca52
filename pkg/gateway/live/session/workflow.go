package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/workflow"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

// workflowState is the active workflow, if any. nudgeGen is the model
// generation the pending nudge belongs to.
type workflowState struct {
	def           *workflow.Definition
	id            string
	block         string
	step          string
	authenticated bool
	checks        map[string]bool
	nudgeGen      int64
	nudge         string
}

// startWorkflow loads id and applies it. The model is restarted so the new
// instructions take effect; source is "config" or "tool".
func (s *LiveSession) startWorkflow(id, source string) error {
	if s.workflows == nil {
		return fmt.Errorf("workflows are not configured")
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
	def, err := s.workflows.Load(ctx, id)
	cancel()
	if err != nil {
		s.logger.Warn("loading workflow failed", "workflow_id", id, "source", source, "error", err)
		s.sendDebug("workflow_error", map[string]any{"workflowId": id, "notFound": errors.Is(err, workflow.ErrNotFound)})
		return err
	}

	s.wf.def = def
	s.wf.id = def.ID
	s.wf.block = workflow.Render(def)
	s.wf.step = def.Start().ID
	s.wf.nudge = ""
	s.logger.Info("workflow started", "workflow_id", def.ID, "source", source, "step", s.wf.step)
	s.record(archive.Entry{
		Role:     archive.RoleSystem,
		Text:     "workflow " + def.ID + " started",
		Final:    true,
		Type:     archive.TypeWorkflowStep,
		Metadata: map[string]any{"workflowId": def.ID, "step": s.wf.step, "source": source},
	})
	s.sendWorkflowStatus()

	// Delegated turns read instructions() on every reply.
	if s.brainMode == protocol.BrainModeDelegated {
		return nil
	}
	s.restartModel("workflow")
	s.wf.nudgeGen = s.model.gen
	s.wf.nudge = workflow.Nudge(def)
	return nil
}

// onStartWorkflowTool handles the model asking to switch workflows. Direct
// mode gets no tool result: the restart replaces the session that asked.
func (s *LiveSession) onStartWorkflowTool(inv invocation) {
	id := argString(inv.Args, "workflowId", "workflow_id", "id", "workflow")
	var err error
	if id == "" {
		err = errors.New("missing workflowId")
	} else {
		err = s.startWorkflow(id, "tool")
	}
	if inv.Source != sourceAgent {
		return
	}
	if err != nil {
		inv.deliver(ToolResult{Text: fmt.Sprintf("[SYSTEM] The workflow %q could not be started. Continue helping the user without it.", id), IsError: true, Err: err})
		return
	}
	inv.deliver(ToolResult{Text: workflow.Nudge(s.wf.def)})
}

// onModelReady sends the pending nudge once the generation it was meant for
// is up.
func (s *LiveSession) onModelReady(gen int64) {
	if s.wf.nudge == "" || gen != s.wf.nudgeGen {
		return
	}
	nudge := s.wf.nudge
	s.wf.nudge = ""
	s.after(s.cfg.NudgeDelay, func() {
		if s.model.gen != gen {
			return
		}
		s.sendModel("nudge", func(ctx context.Context, m realtime.Session) error {
			return m.SendText(ctx, nudge)
		})
	})
}

// onStepReported moves the current step to one the model announced. Steps
// outside the graph are rejected.
func (s *LiveSession) onStepReported(step string) {
	if s.wf.def == nil || step == s.wf.step {
		return
	}
	if _, ok := s.wf.def.Step(step); !ok {
		s.logger.Warn("model reported unknown workflow step", "workflow_id", s.wf.id, "step", step)
		s.sendDebug("workflow_step_rejected", map[string]any{"workflowId": s.wf.id, "step": step})
		return
	}
	prev := s.wf.step
	s.wf.step = step
	s.logger.Debug("workflow step", "workflow_id", s.wf.id, "from", prev, "to", step)
	s.record(archive.Entry{
		Role:     archive.RoleSystem,
		Text:     step,
		Final:    true,
		Type:     archive.TypeWorkflowStep,
		Metadata: map[string]any{"workflowId": s.wf.id, "from": prev},
	})
	s.sendWorkflowStatus()
}

func (s *LiveSession) sendWorkflowStatus() {
	var checks map[string]bool
	if len(s.wf.checks) > 0 {
		checks = make(map[string]bool, len(s.wf.checks))
		for k, v := range s.wf.checks {
			checks[k] = v
		}
	}
	_ = s.sendJSON(protocol.ServerWorkflowStatus{
		Type:          "workflowStatus",
		WorkflowID:    s.wf.id,
		WorkflowName:  s.wf.def.DisplayName(),
		CurrentStep:   s.wf.step,
		Authenticated: s.wf.authenticated,
		Checks:        checks,
	})
}
