package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Resampler converts linear PCM between sample rates using linear
// interpolation, which is adequate for narrowband telephone speech.
// It keeps the last frame of each call so consecutive chunks of one
// stream interpolate across the boundary instead of clicking.
type Resampler struct {
	inputRate   uint32
	outputRate  uint32
	channels    int
	lastSamples []int16 // final frame of the previous chunk
	position    float64 // fractional read position in the input stream
}

// ResamplerConfig holds configuration for creating a resampler.
type ResamplerConfig struct {
	InputRate  uint32 // Input sample rate in Hz
	OutputRate uint32 // Output sample rate in Hz
	Channels   int    // Number of audio channels (1=mono, 2=stereo)
}

// NewResampler creates a resampler converting from config.InputRate to
// config.OutputRate.
//
// Parameters:
//   - config: Resampler configuration
//
// Returns:
//   - *Resampler: New resampler instance
//   - error: Any error that occurred during validation
func NewResampler(config ResamplerConfig) (*Resampler, error) {
	if config.InputRate == 0 || config.OutputRate == 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", config.InputRate, config.OutputRate)
	}
	if config.Channels < 1 || config.Channels > 2 {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", config.Channels)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewResampler",
		"input_rate":  config.InputRate,
		"output_rate": config.OutputRate,
		"channels":    config.Channels,
	}).Debug("Creating audio resampler")

	return &Resampler{
		inputRate:   config.InputRate,
		outputRate:  config.OutputRate,
		channels:    config.Channels,
		lastSamples: make([]int16, config.Channels),
	}, nil
}

// NewTelephonyToSpeechResampler creates a resampler from telephone
// rate (8kHz) to the rate a transcription provider expects.
func NewTelephonyToSpeechResampler(speechRate uint32) (*Resampler, error) {
	return NewResampler(ResamplerConfig{
		InputRate:  TelephonyRate,
		OutputRate: speechRate,
		Channels:   1,
	})
}

// NewSynthesisToTelephonyResampler creates a resampler from a
// synthesis provider's output rate (commonly 16kHz or 24kHz) down to
// telephone rate (8kHz).
func NewSynthesisToTelephonyResampler(synthRate uint32) (*Resampler, error) {
	return NewResampler(ResamplerConfig{
		InputRate:  synthRate,
		OutputRate: TelephonyRate,
		Channels:   1,
	})
}

// Resample converts one chunk of PCM from the input rate to the output
// rate. Deterministic for a given input and internal position: feeding
// identical chunks after Reset always yields identical output.
//
// Parameters:
//   - input: Input PCM audio samples (interleaved if multichannel)
//
// Returns:
//   - []int16: Resampled PCM audio samples
//   - error: Any error that occurred during resampling
func (r *Resampler) Resample(input []int16) ([]int16, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input samples")
	}
	if len(input)%r.channels != 0 {
		return nil, fmt.Errorf("input samples (%d) not aligned to channel count (%d)", len(input), r.channels)
	}

	if r.inputRate == r.outputRate {
		result := make([]int16, len(input))
		copy(result, input)
		return result, nil
	}

	ratio := float64(r.inputRate) / float64(r.outputRate)
	inputFrames := len(input) / r.channels
	outputFrames := int(float64(inputFrames)/ratio + 0.5)
	output := make([]int16, 0, outputFrames*r.channels)

	for outputFrame := 0; outputFrame < outputFrames; outputFrame++ {
		inputIndex := int(r.position)
		frac := r.position - float64(inputIndex)

		for ch := 0; ch < r.channels; ch++ {
			output = append(output, r.interpolate(input, inputIndex, frac, ch, inputFrames))
		}
		r.position += ratio
	}

	// Carry the residual position and final frame into the next call.
	r.position -= float64(inputFrames)
	if len(input) >= r.channels {
		copy(r.lastSamples, input[len(input)-r.channels:])
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Resample",
		"input_frames":  inputFrames,
		"output_frames": len(output) / r.channels,
		"ratio":         ratio,
	}).Debug("Resampled audio chunk")

	return output, nil
}

// interpolate produces one output sample for one channel, handling the
// chunk boundaries on both ends.
func (r *Resampler) interpolate(input []int16, inputIndex int, frac float64, ch, inputFrames int) int16 {
	if inputIndex < 0 {
		return r.lastSamples[ch]
	}
	if inputIndex >= inputFrames-1 {
		return input[(inputFrames-1)*r.channels+ch]
	}
	s1 := input[inputIndex*r.channels+ch]
	s2 := input[(inputIndex+1)*r.channels+ch]
	return int16(float64(s1)*(1.0-frac) + float64(s2)*frac)
}

// InputRate returns the configured input sample rate.
func (r *Resampler) InputRate() uint32 { return r.inputRate }

// OutputRate returns the configured output sample rate.
func (r *Resampler) OutputRate() uint32 { return r.outputRate }

// OutputSize estimates the output sample count for a given input
// sample count, useful for pre-allocating buffers.
func (r *Resampler) OutputSize(inputSize int) int {
	if r.inputRate == r.outputRate {
		return inputSize
	}
	return int(float64(inputSize)*float64(r.outputRate)/float64(r.inputRate) + 0.5)
}

// Reset clears interpolation state. Call it on a stream discontinuity
// such as the start of a new turn.
func (r *Resampler) Reset() {
	r.position = 0.0
	for i := range r.lastSamples {
		r.lastSamples[i] = 0
	}
}
