package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	defaultModel    = "sonic-3"

	// DefaultVoiceID is used for realtime voice names with no mapping.
	DefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

	maxClipBytes = 4 << 20
)

var voiceIDRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

type CartesiaOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	// Voices maps realtime voice names (case-insensitive) to Cartesia ids.
	Voices         map[string]string
	DefaultVoiceID string
	// SampleRate applies when a request does not set one.
	SampleRate int
}

// CartesiaProvider synthesizes clips with Cartesia's /tts/bytes endpoint.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	model      string
	voices     map[string]string
	fallback   string
	sampleRate int
	httpClient *http.Client
}

func NewCartesia(opts CartesiaOptions) (*CartesiaProvider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("cartesia api key is required")
	}
	p := &CartesiaProvider{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		voices:     make(map[string]string, len(opts.Voices)),
		fallback:   opts.DefaultVoiceID,
		sampleRate: opts.SampleRate,
		httpClient: opts.HTTPClient,
	}
	for name, id := range opts.Voices {
		if !voiceIDRe.MatchString(id) {
			return nil, fmt.Errorf("cartesia voice %q: %q is not a voice id", name, id)
		}
		p.voices[strings.ToLower(strings.TrimSpace(name))] = id
	}
	if p.fallback == "" {
		p.fallback = DefaultVoiceID
	} else if !voiceIDRe.MatchString(p.fallback) {
		return nil, fmt.Errorf("cartesia default voice %q is not a voice id", p.fallback)
	}
	if p.baseURL == "" {
		p.baseURL = cartesiaBaseURL
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if p.sampleRate <= 0 {
		p.sampleRate = 24000
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{}
	}
	return p, nil
}

func (c *CartesiaProvider) Name() string { return "cartesia" }

// VoiceID resolves a realtime voice name or a literal Cartesia id.
func (c *CartesiaProvider) VoiceID(voice string) string {
	voice = strings.TrimSpace(voice)
	if voiceIDRe.MatchString(voice) {
		return voice
	}
	if id, ok := c.voices[strings.ToLower(voice)]; ok {
		return id
	}
	return c.fallback
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize returns raw pcm_s16le at the requested rate.
func (c *CartesiaProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("tts: empty text")
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = c.sampleRate
	}
	lang := opts.Language
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}

	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.model,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.VoiceID(opts.Voice)},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: rate,
		},
		Language: strings.ToLower(lang),
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tts: cartesia status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes+1))
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	if len(audio) > maxClipBytes {
		return nil, fmt.Errorf("tts: clip exceeds %d bytes", maxClipBytes)
	}
	return &Synthesis{Audio: audio, SampleRate: rate}, nil
}
