package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// LambdaInvoker is the slice of the Lambda client the backend uses.
type LambdaInvoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaConfig configures NewLambdaBackend.
type LambdaConfig struct {
	Region string
	// Tools maps each tool to its function. A tool without Function uses
	// its Name as the function name.
	Tools       []Tool
	Credentials *Credentials
}

// LambdaBackend calls one Lambda function per tool. Arguments are sent as the
// event body; both the gateway shape {statusCode, body} and the agent shape
// {response: {responseBody: {TEXT: {body}}}} are understood on the way back.
type LambdaBackend struct {
	client LambdaInvoker
	tools  map[string]Tool
}

// NewLambdaBackend loads AWS configuration and builds the backend. Static
// credentials take precedence over the default provider chain.
func NewLambdaBackend(ctx context.Context, cfg LambdaConfig) (*LambdaBackend, error) {
	region := strings.TrimSpace(cfg.Region)
	if cfg.Credentials != nil && strings.TrimSpace(cfg.Credentials.Region) != "" {
		region = strings.TrimSpace(cfg.Credentials.Region)
	}
	if region == "" {
		return nil, errors.New("missing region")
	}
	if len(cfg.Tools) == 0 {
		return nil, errors.New("lambda backend needs at least one tool")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.Credentials.Valid() {
		c := cfg.Credentials
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	awsCfg, err := config.LoadDefaultConfig(loadCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewLambdaBackendWithClient(lambda.NewFromConfig(awsCfg), cfg.Tools)
}

// NewLambdaBackendWithClient builds the backend around an existing client.
func NewLambdaBackendWithClient(client LambdaInvoker, tools []Tool) (*LambdaBackend, error) {
	if client == nil {
		return nil, errors.New("lambda client is nil")
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Function) == "" {
			t.Function = t.Name
		}
		byName[t.Name] = t
	}
	return &LambdaBackend{client: client, tools: byName}, nil
}

func (b *LambdaBackend) ListTools(ctx context.Context) ([]Tool, error) {
	out := make([]Tool, 0, len(b.tools))
	for _, t := range b.tools {
		if t.Description == "" {
			t.Description = "Runs the " + t.Name + " tool."
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *LambdaBackend) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := b.tools[name]
	if !ok {
		return nil, execErr(name, ErrUnknownTool)
	}
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, execErr(name, fmt.Errorf("marshal arguments: %w", err))
	}

	out, err := b.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(tool.Function),
		Payload:      payload,
	})
	if err != nil {
		return nil, execErr(name, fmt.Errorf("invoke %s: %w", tool.Function, err))
	}
	if out.FunctionError != nil {
		return nil, execErr(name, fmt.Errorf("function error %s: %s", aws.ToString(out.FunctionError), truncate(string(out.Payload), 256)))
	}
	return decodeLambdaPayload(name, out.Payload)
}

func decodeLambdaPayload(name string, payload []byte) (any, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return string(payload), nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw, nil
	}

	// Bedrock agent action-group shape.
	if resp, ok := obj["response"].(map[string]any); ok {
		if rb, ok := resp["responseBody"].(map[string]any); ok {
			for _, key := range []string{"TEXT", "application/json"} {
				if part, ok := rb[key].(map[string]any); ok {
					if body, ok := part["body"]; ok {
						return decodeBody(body), nil
					}
				}
			}
		}
	}

	if sc, ok := obj["statusCode"]; ok {
		code := 0
		switch v := sc.(type) {
		case float64:
			code = int(v)
		case string:
			code, _ = strconv.Atoi(strings.TrimSpace(v))
		}
		body := decodeBody(obj["body"])
		if code < 200 || code > 299 {
			return nil, execErr(name, fmt.Errorf("status %d: %s", code, truncate(ResultText(body), 256)))
		}
		return body, nil
	}
	return obj, nil
}

// decodeBody unwraps a body that is itself JSON-encoded text.
func decodeBody(body any) any {
	s, ok := body.(string)
	if !ok {
		return body
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
