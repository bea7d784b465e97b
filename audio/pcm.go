package audio

import (
	"fmt"
	"math"
	"time"
)

// BytesPerSample is the width of one 16-bit linear PCM sample.
const BytesPerSample = 2

// Bounds on the length of a PCM chunk accepted by validation. Shorter
// chunks carry too little signal to schedule; longer ones indicate a
// framing bug upstream.
const (
	MinChunkDuration = 10 * time.Millisecond
	MaxChunkDuration = 1000 * time.Millisecond
)

// Chunk is one hop of raw audio between layers: PCM bytes plus the
// format needed to interpret them. Chunks are passed by value and
// never shared after handoff.
type Chunk struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback time the chunk represents, or zero if
// the format fields are unset.
func (c Chunk) Duration() time.Duration {
	bps := c.SampleRate * c.Channels * BytesPerSample
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(c.Data)) * time.Second / time.Duration(bps)
}

// Samples reinterprets the chunk's bytes as little-endian int16
// samples.
func (c Chunk) Samples() []int16 {
	return BytesToInt16(c.Data)
}

// BytesToInt16 reinterprets little-endian PCM bytes as int16 samples.
// A trailing odd byte is dropped.
func BytesToInt16(data []byte) []int16 {
	n := len(data) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// Int16ToBytes serializes int16 samples as little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Float32ToInt16 converts normalized float samples to 16-bit linear
// PCM, clamping to [-1, 1]. Synthesis providers commonly emit float.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		if f > 1.0 {
			f = 1.0
		} else if f < -1.0 {
			f = -1.0
		}
		out[i] = int16(f * 32767.0)
	}
	return out
}

// Int16ToFloat32 converts 16-bit linear PCM to normalized float
// samples in [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// ValidateChunk checks that a raw PCM chunk is structurally sound: its
// byte length must be an exact multiple of the frame size (channels
// times bytes per sample) and its duration must fall between
// MinChunkDuration and MaxChunkDuration.
//
// Parameters:
//   - data: Raw PCM bytes
//   - sampleRate: Sample rate in Hz
//   - channels: Channel count (1 or 2)
//
// Returns:
//   - error: Description of the first violation, or nil if valid
func ValidateChunk(data []byte, sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if channels < 1 || channels > 2 {
		return fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", channels)
	}
	frameSize := channels * BytesPerSample
	if len(data) == 0 || len(data)%frameSize != 0 {
		return fmt.Errorf("chunk length %d is not a multiple of frame size %d", len(data), frameSize)
	}
	frames := len(data) / frameSize
	dur := time.Duration(frames) * time.Second / time.Duration(sampleRate)
	if dur < MinChunkDuration {
		return fmt.Errorf("chunk duration %v below minimum %v", dur, MinChunkDuration)
	}
	if dur > MaxChunkDuration {
		return fmt.Errorf("chunk duration %v above maximum %v", dur, MaxChunkDuration)
	}
	return nil
}

// RMS returns the root mean square energy of the samples, normalized
// to [0, 1]. Used by barge-in detection to decide whether inbound
// audio during agent speech is caller speech or line noise.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
