package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesToInt16_RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	data := Int16ToBytes(samples)
	require.Len(t, data, len(samples)*2)

	got := BytesToInt16(data)
	assert.Equal(t, samples, got)
}

func TestBytesToInt16_DropsTrailingOddByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	got := BytesToInt16(data)
	require.Len(t, got, 1)
	assert.Equal(t, int16(0x0201), got[0])
}

func TestFloat32ToInt16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{name: "zero", in: 0.0, want: 0},
		{name: "full_positive", in: 1.0, want: 32767},
		{name: "full_negative", in: -1.0, want: -32767},
		{name: "clamps_above", in: 2.5, want: 32767},
		{name: "clamps_below", in: -2.5, want: -32767},
		{name: "half", in: 0.5, want: 16383},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Float32ToInt16([]float32{tt.in})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestInt16ToFloat32_Range(t *testing.T) {
	got := Int16ToFloat32([]int16{-32768, 0, 32767})
	require.Len(t, got, 3)
	assert.Equal(t, float32(-1.0), got[0])
	assert.Equal(t, float32(0.0), got[1])
	assert.InDelta(t, 1.0, float64(got[2]), 0.001)
}

func TestValidateChunk(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		sampleRate int
		channels   int
		expectErr  bool
	}{
		{
			name:       "valid_20ms_mono_8khz",
			data:       make([]byte, 320), // 160 samples
			sampleRate: 8000,
			channels:   1,
		},
		{
			name:       "valid_100ms_stereo_16khz",
			data:       make([]byte, 6400), // 1600 frames
			sampleRate: 16000,
			channels:   2,
		},
		{
			name:       "odd_length_rejected",
			data:       make([]byte, 321),
			sampleRate: 8000,
			channels:   1,
			expectErr:  true,
		},
		{
			name:       "stereo_misaligned_rejected",
			data:       make([]byte, 322), // multiple of 2, not of 4
			sampleRate: 8000,
			channels:   2,
			expectErr:  true,
		},
		{
			name:       "empty_rejected",
			data:       nil,
			sampleRate: 8000,
			channels:   1,
			expectErr:  true,
		},
		{
			name:       "below_10ms_rejected",
			data:       make([]byte, 64), // 4ms at 8kHz
			sampleRate: 8000,
			channels:   1,
			expectErr:  true,
		},
		{
			name:       "above_1s_rejected",
			data:       make([]byte, 17600), // 1.1s at 8kHz
			sampleRate: 8000,
			channels:   1,
			expectErr:  true,
		},
		{
			name:       "zero_sample_rate_rejected",
			data:       make([]byte, 320),
			sampleRate: 0,
			channels:   1,
			expectErr:  true,
		},
		{
			name:       "three_channels_rejected",
			data:       make([]byte, 320),
			sampleRate: 8000,
			channels:   3,
			expectErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChunk(tt.data, tt.sampleRate, tt.channels)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunk_Duration(t *testing.T) {
	chunk := Chunk{
		Data:       make([]byte, 320),
		SampleRate: 8000,
		Channels:   1,
	}
	assert.Equal(t, 20*time.Millisecond, chunk.Duration())

	empty := Chunk{}
	assert.Equal(t, time.Duration(0), empty.Duration())
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS([]int16{0, 0, 0, 0}))

	// A full-scale square wave has RMS 1.0.
	loud := []int16{32767, -32767, 32767, -32767}
	assert.InDelta(t, 1.0, RMS(loud), 0.001)

	quiet := make([]int16, 160)
	for i := range quiet {
		quiet[i] = 100
	}
	assert.Less(t, RMS(quiet), 0.01)
}
