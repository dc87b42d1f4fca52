// Package agent produces text replies for delegated mode, where the speech
// model only reads answers aloud and a separate model does the reasoning.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-voice/pkg/core/tools"
)

const (
	DefaultModel         = "gemini-2.5-flash"
	DefaultMaxToolRounds = 4
)

var ErrTooManyToolRounds = errors.New("agent exceeded tool rounds")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role Role
	Text string
}

// ToolFunc executes one tool call on behalf of the agent.
type ToolFunc func(ctx context.Context, name string, args map[string]any) (any, error)

type Request struct {
	SystemPrompt string
	// History ends with the user message to answer.
	History  []Message
	Tools    []tools.Tool
	CallTool ToolFunc
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Response struct {
	Text      string
	ToolCalls int
	Usage     Usage
}

type Agent interface {
	Reply(ctx context.Context, req Request) (Response, error)
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiConfig struct {
	APIKey        string
	Model         string
	MaxToolRounds int
	Logger        *slog.Logger
}

// Gemini answers with Models.GenerateContent, running function calls until
// the model returns text.
type Gemini struct {
	gen       generator
	model     string
	maxRounds int
	logger    *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(gen generator, cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{gen: gen, model: cfg.Model, maxRounds: cfg.MaxToolRounds, logger: cfg.Logger}
}

func (g *Gemini) Reply(ctx context.Context, req Request) (Response, error) {
	contents := make([]*genai.Content, 0, len(req.History)+2)
	for _, m := range req.History {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(text, genai.Role(role)))
	}
	if len(contents) == 0 {
		return Response{}, errors.New("agent request has no messages")
	}

	cfg := &genai.GenerateContentConfig{}
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	if decls := declarations(req.Tools); len(decls) > 0 && req.CallTool != nil {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var out Response
	for round := 0; round <= g.maxRounds; round++ {
		resp, err := g.gen.GenerateContent(ctx, g.model, contents, cfg)
		if err != nil {
			return out, fmt.Errorf("generate content: %w", err)
		}
		if u := resp.UsageMetadata; u != nil {
			out.Usage.InputTokens += int(u.PromptTokenCount)
			out.Usage.OutputTokens += int(u.CandidatesTokenCount)
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 || req.CallTool == nil {
			out.Text = strings.TrimSpace(resp.Text())
			return out, nil
		}
		if round == g.maxRounds {
			break
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			contents = append(contents, resp.Candidates[0].Content)
		}

		parts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			out.ToolCalls++
			payload := map[string]any{}
			result, err := req.CallTool(ctx, call.Name, call.Args)
			if err != nil {
				g.logger.Warn("agent tool call failed", "tool", call.Name, "error", err)
				payload["error"] = err.Error()
			} else {
				payload["output"] = result
			}
			part := genai.NewPartFromFunctionResponse(call.Name, payload)
			part.FunctionResponse.ID = call.ID
			parts = append(parts, part)
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return out, ErrTooManyToolRounds
}

func declarations(list []tools.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(list))
	for _, t := range list {
		if t.Name == "" {
			continue
		}
		schema := any(t.Schema)
		if len(t.Schema) == 0 {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return out
}
