package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
)

const DefaultFillerText = "One moment."

// FillerCache holds one short acknowledgment clip per voice, shared by all
// sessions. Clips are written once and never replaced.
type FillerCache struct {
	synth tts.Synthesizer
	text  string

	group singleflight.Group
	mu    sync.RWMutex
	clips map[string][]byte
}

func NewFillerCache(synth tts.Synthesizer, text string) *FillerCache {
	if strings.TrimSpace(text) == "" {
		text = DefaultFillerText
	}
	return &FillerCache{synth: synth, text: text, clips: make(map[string][]byte)}
}

// Get returns the cached clip for voice, if one has been synthesized.
func (c *FillerCache) Get(voice string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	clip, ok := c.clips[voice]
	return clip, ok
}

// Warm synthesizes the clip for voice unless it is cached. Concurrent calls
// for the same voice share one request.
func (c *FillerCache) Warm(ctx context.Context, voice string) ([]byte, error) {
	if c == nil || c.synth == nil {
		return nil, errors.New("filler synthesis is not configured")
	}
	if clip, ok := c.Get(voice); ok {
		return clip, nil
	}
	v, err, _ := c.group.Do(voice, func() (any, error) {
		if clip, ok := c.Get(voice); ok {
			return clip, nil
		}
		out, err := c.synth.Synthesize(ctx, c.text, tts.SynthesizeOptions{
			Voice:      voice,
			SampleRate: live.OutputFormat.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		if len(out.Audio) == 0 {
			return nil, errors.New("filler synthesis returned no audio")
		}
		return c.store(voice, out.Audio), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *FillerCache) store(voice string, clip []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clips[voice]; ok {
		return existing
	}
	if len(clip)%2 != 0 {
		clip = clip[:len(clip)-1]
	}
	c.clips[voice] = clip
	return clip
}
