// Package live holds the PCM helpers shared by the voice session: frame
// validation, energy measurement and an accumulation buffer for delegated
// turns.
package live

import (
	"errors"
	"fmt"
	"math"
)

// AudioFormat describes raw little-endian PCM.
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

var (
	// InputFormat is what clients stream to the gateway.
	InputFormat = AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	// OutputFormat is what the speech model plays back.
	OutputFormat = AudioFormat{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
)

func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds of n bytes.
func (f AudioFormat) DurationMs(n int) int {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return (n * 1000) / f.BytesPerSecond()
}

// BytesForDurationMs returns the byte count of ms milliseconds, rounded down
// to a whole sample.
func (f AudioFormat) BytesForDurationMs(ms int) int {
	n := (f.BytesPerSecond() * ms) / 1000
	align := f.Channels * (f.BitsPerSample / 8)
	if align > 1 {
		n -= n % align
	}
	return n
}

// MIMEType is the audio/pcm type string with the sample rate parameter.
func (f AudioFormat) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

var (
	ErrEmptyFrame   = errors.New("empty audio frame")
	ErrOddFrame     = errors.New("audio frame has odd byte length")
	ErrFrameTooLong = errors.New("audio frame too large")
)

// ValidateFrame checks that frame is a well-formed 16-bit PCM chunk no larger
// than maxBytes. maxBytes <= 0 disables the size check.
func ValidateFrame(frame []byte, maxBytes int) error {
	switch {
	case len(frame) == 0:
		return ErrEmptyFrame
	case len(frame)%2 != 0:
		return ErrOddFrame
	case maxBytes > 0 && len(frame) > maxBytes:
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLong, len(frame), maxBytes)
	}
	return nil
}

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// Accumulator collects the frames of one delegated utterance, keeping at
// most a fixed duration (older audio is dropped first). It is owned by one
// session loop and does no locking.
type Accumulator struct {
	format   AudioFormat
	maxBytes int
	data     []byte
}

func NewAccumulator(format AudioFormat, maxDurationMs int) *Accumulator {
	return &Accumulator{format: format, maxBytes: format.BytesForDurationMs(maxDurationMs)}
}

func (a *Accumulator) Write(frame []byte) {
	a.data = append(a.data, frame...)
	if a.maxBytes > 0 && len(a.data) > a.maxBytes {
		excess := len(a.data) - a.maxBytes
		a.data = append(a.data[:0], a.data[excess:]...)
	}
}

// Take returns the buffered audio and empties the accumulator.
func (a *Accumulator) Take() []byte {
	out := make([]byte, len(a.data))
	copy(out, a.data)
	a.data = a.data[:0]
	return out
}

func (a *Accumulator) Len() int { return len(a.data) }

func (a *Accumulator) DurationMs() int { return a.format.DurationMs(len(a.data)) }

func (a *Accumulator) Reset() { a.data = a.data[:0] }
