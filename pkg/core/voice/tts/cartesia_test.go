package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const puckID = "694f9389-aac1-45b6-b726-9d9369183238"

func TestNewCartesia_Validation(t *testing.T) {
	if _, err := NewCartesia(CartesiaOptions{}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := NewCartesia(CartesiaOptions{APIKey: "k", Voices: map[string]string{"Puck": "not-an-id"}}); err == nil {
		t.Fatal("expected error for a malformed voice id")
	}
	if _, err := NewCartesia(CartesiaOptions{APIKey: "k", DefaultVoiceID: "nope"}); err == nil {
		t.Fatal("expected error for a malformed default voice")
	}
	p, err := NewCartesia(CartesiaOptions{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewCartesia: %v", err)
	}
	if p.Name() != "cartesia" || p.httpClient == nil || p.sampleRate != 24000 {
		t.Fatalf("defaults = name %q client %v rate %d", p.Name(), p.httpClient, p.sampleRate)
	}
}

func TestVoiceID(t *testing.T) {
	p, err := NewCartesia(CartesiaOptions{APIKey: "k", Voices: map[string]string{" Puck ": puckID}})
	if err != nil {
		t.Fatalf("NewCartesia: %v", err)
	}
	tests := map[string]string{
		"puck": puckID,
		"PUCK": puckID,
		"Kore": DefaultVoiceID,
		"":     DefaultVoiceID,
		puckID: puckID,
	}
	for in, want := range tests {
		if got := p.VoiceID(in); got != want {
			t.Fatalf("VoiceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSynthesize_PostsRawPCMRequest(t *testing.T) {
	var got cartesiaRequest
	var auth, version string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/bytes" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		version = r.Header.Get("Cartesia-Version")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	p, err := NewCartesia(CartesiaOptions{
		APIKey:     "k",
		BaseURL:    srv.URL + "/",
		HTTPClient: srv.Client(),
		Voices:     map[string]string{"Puck": puckID},
	})
	if err != nil {
		t.Fatalf("NewCartesia: %v", err)
	}
	out, err := p.Synthesize(context.Background(), " One moment. ", SynthesizeOptions{Voice: "Puck", Language: "en-GB", SampleRate: 16000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(out.Audio) != string([]byte{1, 2, 3, 4}) || out.SampleRate != 16000 {
		t.Fatalf("synthesis = %#v", out)
	}
	if auth != "Bearer k" || version != cartesiaVersion {
		t.Fatalf("auth = %q version = %q", auth, version)
	}
	if got.Transcript != "One moment." || got.Voice.ID != puckID || got.Language != "en" {
		t.Fatalf("request = %#v", got)
	}
	if got.OutputFormat.Container != "raw" || got.OutputFormat.Encoding != "pcm_s16le" || got.OutputFormat.SampleRate != 16000 {
		t.Fatalf("output format = %#v", got.OutputFormat)
	}
	if got.ModelID != defaultModel {
		t.Fatalf("model = %q", got.ModelID)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := NewCartesia(CartesiaOptions{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewCartesia: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "  ", SynthesizeOptions{}); err == nil {
		t.Fatal("expected error for empty text")
	}
	_, err = p.Synthesize(context.Background(), "x", SynthesizeOptions{})
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "bad voice") {
		t.Fatalf("err = %v, want status and body", err)
	}
}
