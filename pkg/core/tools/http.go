package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxHTTPResponseBytes = 1 << 20

// HTTPBackend talks to a tool service over JSON:
//
//	GET  {base}/tools          -> {"tools": [{name, description, schema}]}
//	POST {base}/tools/{name}   <- {"arguments": {...}}  -> {"result": ...}
type HTTPBackend struct {
	base   *url.URL
	client *http.Client
	header http.Header
}

// NewHTTPBackend validates baseURL and returns a backend. A nil client uses
// http.DefaultClient.
func NewHTTPBackend(baseURL string, client *http.Client) (*HTTPBackend, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("tool url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tool url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("tool url must include a host")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{base: u, client: client, header: http.Header{}}, nil
}

// SetHeader adds a header to every request, e.g. an Authorization token.
func (b *HTTPBackend) SetHeader(key, value string) {
	b.header.Set(key, value)
}

func (b *HTTPBackend) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := b.do(ctx, http.MethodGet, "tools", nil, &out); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return out.Tools, nil
}

func (b *HTTPBackend) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out struct {
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := b.do(ctx, http.MethodPost, "tools/"+url.PathEscape(name), map[string]any{"arguments": args}, &out); err != nil {
		return nil, execErr(name, err)
	}
	if out.Error != "" {
		return nil, execErr(name, errors.New(out.Error))
	}
	return out.Result, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, rel string, body any, out any) error {
	target := b.base.JoinPath(rel)

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range b.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(data)), 256))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
