package static

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/opd-ai/dialtone/audio"
	"github.com/opd-ai/dialtone/pipeline"
)

// Tone synthesis defaults.
const (
	DefaultToneAmplitude = 0.3
	DefaultWordDuration  = 150 * time.Millisecond
	DefaultToneChunk     = 20 * time.Millisecond
	DefaultToneFrequency = 440.0
)

// ToneConfig tunes the deterministic tone output.
type ToneConfig struct {
	// Amplitude of the tone in [0, 1].
	Amplitude float64

	// WordDuration of tone per word of input text.
	WordDuration time.Duration

	// ChunkDuration of each emitted chunk.
	ChunkDuration time.Duration

	// PaceRealTime emits chunks at playback speed instead of
	// bursting, so a demo listener has speech to interrupt.
	PaceRealTime bool

	// Voices maps voice identifiers to tone frequencies. Unknown
	// voices get DefaultToneFrequency, which makes voice switches
	// audible in the demo.
	Voices map[string]float64
}

// ToneSynthesizer renders text as a sine tone whose length tracks the
// word count and whose pitch tracks the requested voice.
type ToneSynthesizer struct {
	config ToneConfig
}

// NewToneSynthesizer creates a tone synthesizer. Zero config fields
// take the defaults.
func NewToneSynthesizer(config ToneConfig) *ToneSynthesizer {
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = DefaultToneAmplitude
	}
	if config.WordDuration <= 0 {
		config.WordDuration = DefaultWordDuration
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = DefaultToneChunk
	}
	return &ToneSynthesizer{config: config}
}

// Synthesize streams tone chunks at the requested sample rate until
// the text's worth of audio has been produced or ctx is cancelled.
func (s *ToneSynthesizer) Synthesize(ctx context.Context, request pipeline.SynthesisRequest) (<-chan audio.Chunk, error) {
	rate := request.SampleRate
	if rate <= 0 {
		rate = audio.TelephonyRate
	}

	words := len(strings.Fields(request.Text))
	if words == 0 {
		words = 1
	}
	total := int(float64(words) * s.config.WordDuration.Seconds() * float64(rate))
	perChunk := int(s.config.ChunkDuration.Seconds() * float64(rate))
	if perChunk <= 0 {
		perChunk = rate / 50
	}

	freq := s.config.Voices[request.VoiceID]
	if freq <= 0 {
		freq = DefaultToneFrequency
	}

	out := make(chan audio.Chunk, 8)
	go func() {
		defer close(out)

		step := 2 * math.Pi * freq / float64(rate)
		amp := s.config.Amplitude * 32767
		phase := 0.0

		for produced := 0; produced < total; produced += perChunk {
			n := perChunk
			if remaining := total - produced; remaining < n {
				n = remaining
			}
			samples := make([]int16, n)
			for i := range samples {
				samples[i] = int16(amp * math.Sin(phase))
				phase += step
			}

			chunk := audio.Chunk{
				Data:       audio.Int16ToBytes(samples),
				SampleRate: rate,
				Channels:   1,
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}

			if s.config.PaceRealTime {
				select {
				case <-time.After(s.config.ChunkDuration):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
