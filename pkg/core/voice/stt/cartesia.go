// Package stt transcribes delegated-mode utterances.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	defaultModel    = "ink-whisper"
)

// Transcriber turns one utterance of 16-bit little-endian PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// CartesiaOptions configures CartesiaProvider.
type CartesiaOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	SampleRate int
	HTTPClient *http.Client
}

// CartesiaProvider transcribes audio with Cartesia's batch /stt endpoint.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// NewCartesia validates opts and returns a provider. A missing API key is a
// construction error, never a per-request one.
func NewCartesia(opts CartesiaOptions) (*CartesiaProvider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("cartesia api key is required")
	}
	p := &CartesiaProvider{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		language:   opts.Language,
		sampleRate: opts.SampleRate,
		httpClient: opts.HTTPClient,
	}
	if p.baseURL == "" {
		p.baseURL = cartesiaBaseURL
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if p.language == "" {
		p.language = "en"
	}
	if p.sampleRate <= 0 {
		p.sampleRate = 16000
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{}
	}
	return p, nil
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// Transcribe uploads pcm as a multipart form and returns the transcript
// text. Empty input yields an empty transcript without a request.
func (c *CartesiaProvider) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(pcm); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("language", c.language); err != nil {
		return "", fmt.Errorf("write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	u, err := url.Parse(c.baseURL + "/stt")
	if err != nil {
		return "", fmt.Errorf("stt url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", fmt.Sprintf("%d", c.sampleRate))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cartesia error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out cartesiaTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

type cartesiaTranscriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}
