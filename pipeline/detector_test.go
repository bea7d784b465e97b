package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/dialtone/audio"
)

// toneChunk builds a mono chunk of constant amplitude, 20ms at the
// given rate.
func toneChunk(rate int, amplitude int16) audio.Chunk {
	samples := make([]int16, rate/50)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.Chunk{Data: audio.Int16ToBytes(samples), SampleRate: rate, Channels: 1}
}

func TestSpeechDetector(t *testing.T) {
	loud := toneChunk(16000, 10000) // RMS ~0.31
	quiet := toneChunk(16000, 100)  // RMS ~0.003

	tests := []struct {
		name   string
		chunks []audio.Chunk
		want   bool
	}{
		{
			name:   "silence never triggers",
			chunks: []audio.Chunk{quiet, quiet, quiet, quiet, quiet, quiet},
			want:   false,
		},
		{
			name:   "short burst below minimum speech",
			chunks: []audio.Chunk{loud, loud},
			want:   false,
		},
		{
			name:   "sustained speech triggers",
			chunks: []audio.Chunk{loud, loud, loud, loud, loud},
			want:   true,
		},
		{
			name:   "silence resets the accumulator",
			chunks: []audio.Chunk{loud, loud, loud, loud, quiet, loud, loud},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newSpeechDetector(0.05, 100*time.Millisecond)

			var got bool
			for _, chunk := range tt.chunks {
				got = d.Observe(chunk)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestSpeechDetectorReset verifies a fresh spoken turn needs fresh
// evidence even right after a detection.
func TestSpeechDetectorReset(t *testing.T) {
	d := newSpeechDetector(0.05, 100*time.Millisecond)
	loud := toneChunk(16000, 10000)

	for i := 0; i < 5; i++ {
		d.Observe(loud)
	}
	assert.True(t, d.Observe(loud))

	d.Reset()
	assert.False(t, d.Observe(loud), "one chunk after reset must not retrigger")
}

func TestSpeechDetectorEmptyChunk(t *testing.T) {
	d := newSpeechDetector(0.05, 100*time.Millisecond)
	assert.False(t, d.Observe(audio.Chunk{SampleRate: 16000, Channels: 1}))
}
