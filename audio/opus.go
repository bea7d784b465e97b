package audio

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// opusDecodeBufferSize holds one 20ms frame at 48kHz stereo in int16
// bytes, the largest frame browsers emit in practice.
const opusDecodeBufferSize = 960 * 2 * 2

// OpusDecoder converts Opus frames from browser transports into linear
// PCM. Decode only: pion/opus ships no encoder, and the gateway never
// sends Opus back (outbound audio leaves as PCM or G.711).
type OpusDecoder struct {
	dec opus.Decoder
}

// NewOpusDecoder creates a decoder ready for a stream of Opus frames.
// One decoder serves one stream; frames from different calls must not
// share a decoder.
func NewOpusDecoder() *OpusDecoder {
	logrus.WithFields(logrus.Fields{
		"function": "NewOpusDecoder",
	}).Debug("Creating Opus decoder")
	return &OpusDecoder{dec: opus.NewDecoder()}
}

// Decode expands one Opus frame to mono int16 PCM.
//
// Stereo frames are downmixed by averaging the channel pair. The
// frame's sample rate is derived from the encoded bandwidth.
//
// Parameters:
//   - frame: One complete Opus frame
//
// Returns:
//   - []int16: Decoded mono PCM samples
//   - uint32: Sample rate of the decoded audio in Hz
//   - error: Any error that occurred during decoding
func (d *OpusDecoder) Decode(frame []byte) ([]int16, uint32, error) {
	if len(frame) == 0 {
		return nil, 0, fmt.Errorf("empty opus frame")
	}

	out := make([]byte, opusDecodeBufferSize)
	bandwidth, isStereo, err := d.dec.Decode(frame, out)
	if err != nil {
		return nil, 0, fmt.Errorf("opus decode failed: %w", err)
	}

	pcm := BytesToInt16(out)
	if isStereo {
		mono := make([]int16, len(pcm)/2)
		for i := range mono {
			mono[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
		}
		pcm = mono
	}

	sampleRate := uint32(bandwidth.SampleRate())

	logrus.WithFields(logrus.Fields{
		"function":    "OpusDecoder.Decode",
		"input_size":  len(frame),
		"pcm_samples": len(pcm),
		"sample_rate": sampleRate,
		"is_stereo":   isStereo,
	}).Debug("Decoded Opus frame")

	return pcm, sampleRate, nil
}
