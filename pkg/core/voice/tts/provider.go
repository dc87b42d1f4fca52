// Package tts synthesizes short speech clips as raw PCM for the voice
// session.
package tts

import "context"

// Synthesizer converts text to 16-bit little-endian mono PCM in one request.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

type SynthesizeOptions struct {
	// Voice is a realtime voice name such as "Puck" or a provider voice id.
	Voice      string
	Language   string
	SampleRate int
}

type Synthesis struct {
	Audio      []byte
	SampleRate int
}
