package realtime

import (
	"strings"

	"google.golang.org/genai"
)

// translator turns Gemini Live server messages into Events. Output
// transcription arrives as deltas; the translator accumulates them so each
// transcript event carries the whole turn so far. It is used by a single
// receive goroutine.
type translator struct {
	turnOpen  bool
	userText  strings.Builder
	userFinal bool
	asstText  strings.Builder
	usage     Usage
}

func (t *translator) translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event

	if msg.SetupComplete != nil {
		out = append(out, Event{Kind: EventMetadata, Metrics: map[string]any{"setup_complete": true}})
	}

	if sc := msg.ServerContent; sc != nil {
		if tr := sc.InputTranscription; tr != nil && (tr.Text != "" || tr.Finished) {
			t.userText.WriteString(tr.Text)
			if text := strings.TrimSpace(t.userText.String()); text != "" {
				out = append(out, Event{Kind: EventTranscript, Role: RoleUser, Transcript: &Transcript{
					Text:        text,
					IsFinal:     tr.Finished,
					IsStreaming: !tr.Finished,
					Stage:       stage(tr.Finished),
				}})
			}
			if tr.Finished {
				t.userText.Reset()
				t.userFinal = true
			}
		}

		if sc.ModelTurn != nil || (sc.OutputTranscription != nil && sc.OutputTranscription.Text != "") {
			out = t.open(out)
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") && len(part.InlineData.Data) > 0 {
					out = append(out, Event{Kind: EventAudio, Role: RoleAssistant, Audio: part.InlineData.Data})
				}
			}
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			t.asstText.WriteString(tr.Text)
			out = append(out, Event{Kind: EventTranscript, Role: RoleAssistant, Transcript: &Transcript{
				Text:        strings.TrimSpace(t.asstText.String()),
				IsStreaming: true,
				Stage:       StageSpeculative,
			}})
		}

		if sc.Interrupted {
			out = append(out, Event{Kind: EventInterruption, Role: RoleAssistant})
			if t.turnOpen {
				if text := strings.TrimSpace(t.asstText.String()); text != "" {
					out = append(out, Event{Kind: EventTranscript, Role: RoleAssistant, Transcript: &Transcript{
						Text:        text,
						IsFinal:     true,
						IsCancelled: true,
						Stage:       StageFinal,
					}})
				}
				out = append(out, Event{Kind: EventContentEnd, Role: RoleAssistant})
			}
			t.asstText.Reset()
			t.turnOpen = false
		}

		if sc.TurnComplete {
			if t.turnOpen {
				if text := strings.TrimSpace(t.asstText.String()); text != "" {
					out = append(out, Event{Kind: EventTranscript, Role: RoleAssistant, Transcript: &Transcript{
						Text:    text,
						IsFinal: true,
						Stage:   StageFinal,
					}})
				}
				out = append(out, Event{Kind: EventContentEnd, Role: RoleAssistant})
			}
			out = append(out, Event{Kind: EventTurnEnd, Role: RoleAssistant})
			t.asstText.Reset()
			t.turnOpen = false
			t.userFinal = false
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil || fc.Name == "" {
				continue
			}
			out = t.open(out)
			out = append(out, Event{Kind: EventToolUse, Role: RoleAssistant, ToolUse: &ToolUse{
				ID:    fc.ID,
				Name:  fc.Name,
				Input: fc.Args,
			}})
		}
	}

	if c := msg.ToolCallCancellation; c != nil && len(c.IDs) > 0 {
		out = append(out, Event{Kind: EventMetadata, Metrics: map[string]any{"tool_call_cancellation": c.IDs}})
	}

	if u := msg.UsageMetadata; u != nil {
		t.usage = t.usage.Add(Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.ResponseTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		})
		snapshot := t.usage
		out = append(out, Event{Kind: EventUsage, Usage: &snapshot})
	}

	if msg.GoAway != nil {
		out = append(out, Event{Kind: EventMetadata, Metrics: map[string]any{"go_away": true}})
	}
	return out
}

// open emits contentStart for the assistant turn, finalizing a pending user
// transcript first if the service never marked it finished.
func (t *translator) open(out []Event) []Event {
	if t.turnOpen {
		return out
	}
	if text := strings.TrimSpace(t.userText.String()); text != "" && !t.userFinal {
		out = append(out, Event{Kind: EventTranscript, Role: RoleUser, Transcript: &Transcript{
			Text:    text,
			IsFinal: true,
			Stage:   StageFinal,
		}})
	}
	t.userText.Reset()
	t.userFinal = false
	t.turnOpen = true
	return append(out, Event{Kind: EventContentStart, Role: RoleAssistant})
}

func stage(final bool) string {
	if final {
		return StageFinal
	}
	return StageSpeculative
}
