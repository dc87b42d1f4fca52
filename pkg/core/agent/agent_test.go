package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/vai-voice/pkg/core/tools"
)

type fakeGen struct {
	responses []*genai.GenerateContentResponse
	requests  [][]*genai.Content
	configs   []*genai.GenerateContentConfig
	err       error
}

func (f *fakeGen) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.requests = append(f.requests, append([]*genai.Content(nil), contents...))
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     4,
			CandidatesTokenCount: 2,
		},
	}
}

func callResponse(id, name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{
		Role:  string(genai.RoleModel),
		Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{ID: id, Name: name, Args: args}}},
	}}}}
}

func TestGemini_PlainReply(t *testing.T) {
	gen := &fakeGen{responses: []*genai.GenerateContentResponse{textResponse("Hello there.")}}
	a := newGemini(gen, GeminiConfig{})

	resp, err := a.Reply(context.Background(), Request{
		SystemPrompt: "Be brief.",
		History: []Message{
			{Role: RoleUser, Text: "hi"},
			{Role: RoleAssistant, Text: "Hello."},
			{Role: RoleUser, Text: "hi again"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there.", resp.Text)
	require.Equal(t, Usage{InputTokens: 4, OutputTokens: 2}, resp.Usage)

	require.Len(t, gen.requests[0], 3)
	require.Equal(t, string(genai.RoleModel), gen.requests[0][1].Role)
	require.Nil(t, gen.configs[0].Tools)
	require.Equal(t, "Be brief.", gen.configs[0].SystemInstruction.Parts[0].Text)
}

func TestGemini_ToolLoop(t *testing.T) {
	gen := &fakeGen{responses: []*genai.GenerateContentResponse{
		callResponse("c1", "get_balance", map[string]any{"accountId": "1"}),
		textResponse("Your balance is one hundred pounds."),
	}}
	a := newGemini(gen, GeminiConfig{})

	var called []string
	resp, err := a.Reply(context.Background(), Request{
		History: []Message{{Role: RoleUser, Text: "balance please"}},
		Tools:   []tools.Tool{{Name: "get_balance"}},
		CallTool: func(ctx context.Context, name string, args map[string]any) (any, error) {
			called = append(called, name+":"+args["accountId"].(string))
			return map[string]any{"balance": 100}, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Your balance is one hundred pounds.", resp.Text)
	require.Equal(t, 1, resp.ToolCalls)
	require.Equal(t, []string{"get_balance:1"}, called)

	require.Len(t, gen.requests, 2)
	second := gen.requests[1]
	require.Len(t, second, 3)
	fr := second[2].Parts[0].FunctionResponse
	require.Equal(t, "c1", fr.ID)
	require.Equal(t, map[string]any{"output": map[string]any{"balance": 100}}, fr.Response)
	require.Len(t, gen.configs[0].Tools[0].FunctionDeclarations, 1)
}

func TestGemini_ToolErrorsAndRoundLimit(t *testing.T) {
	gen := &fakeGen{responses: []*genai.GenerateContentResponse{callResponse("c", "t", nil)}}
	a := newGemini(gen, GeminiConfig{MaxToolRounds: 2})

	calls := 0
	_, err := a.Reply(context.Background(), Request{
		History: []Message{{Role: RoleUser, Text: "loop"}},
		Tools:   []tools.Tool{{Name: "t"}},
		CallTool: func(ctx context.Context, name string, args map[string]any) (any, error) {
			calls++
			return nil, errors.New("backend down")
		},
	})
	require.ErrorIs(t, err, ErrTooManyToolRounds)
	require.Equal(t, 2, calls)
	require.Len(t, gen.requests, 3)
	require.Equal(t, map[string]any{"error": "backend down"}, gen.requests[1][2].Parts[0].FunctionResponse.Response)
}

func TestGemini_Errors(t *testing.T) {
	a := newGemini(&fakeGen{err: errors.New("quota")}, GeminiConfig{})
	_, err := a.Reply(context.Background(), Request{History: []Message{{Role: RoleUser, Text: "x"}}})
	require.ErrorContains(t, err, "quota")

	_, err = a.Reply(context.Background(), Request{History: []Message{{Role: RoleUser, Text: "  "}}})
	require.Error(t, err)

	_, err = NewGemini(context.Background(), GeminiConfig{})
	require.Error(t, err)
}
