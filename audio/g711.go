// Package audio implements the stateless conversion layer between
// telephone audio and the linear PCM the speech stack consumes.
//
// Telephony transports deliver 8-bit G.711 at 8kHz; transcription and
// synthesis providers work in 16-bit linear PCM at 16-24kHz. This
// package provides G.711 companding in both laws, sample rate
// resampling, float/int format conversion, chunk validation, and an
// Opus decode wrapper for browser transports. Everything here is pure
// computation with no I/O so it can be tested exhaustively.
package audio

import "fmt"

// TelephonyRate is the narrowband sampling rate shared by both G.711
// laws, in Hz.
const TelephonyRate = 8000

// G.711 companding constants shared by both laws.
const (
	// g711Clip is the maximum linear magnitude before companding.
	g711Clip = 32635
	// ulawBias is the offset added before mu-law segment quantization.
	ulawBias = 0x84
)

// Codec identifies a negotiated G.711 companding law by its static RTP
// payload type (RFC 3551: 0 = PCMU, 8 = PCMA).
type Codec uint8

const (
	// PCMU is G.711 mu-law at 8000Hz, RTP payload type 0.
	PCMU Codec = 0
	// PCMA is G.711 A-law at 8000Hz, RTP payload type 8.
	PCMA Codec = 8
)

// CodecFromPayloadType maps a static RTP payload type number to a
// Codec.
//
// Parameters:
//   - pt: RTP payload type from a media description or packet header
//
// Returns:
//   - Codec: The matching codec
//   - error: If the payload type is not a supported G.711 law
func CodecFromPayloadType(pt uint8) (Codec, error) {
	switch Codec(pt) {
	case PCMU, PCMA:
		return Codec(pt), nil
	}
	return 0, fmt.Errorf("unsupported payload type: %d", pt)
}

// String returns the codec's SDP encoding name.
func (c Codec) String() string {
	switch c {
	case PCMU:
		return "PCMU"
	case PCMA:
		return "PCMA"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// PayloadType returns the codec's static RTP payload type number.
func (c Codec) PayloadType() uint8 { return uint8(c) }

// ClockRate returns the codec's RTP clock rate in Hz. Both G.711 laws
// run at 8kHz.
func (c Codec) ClockRate() uint32 { return TelephonyRate }

// Encode compands a linear PCM buffer to 8-bit G.711 under this law.
// Output is always exactly one byte per input sample.
func (c Codec) Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	if c == PCMA {
		for i, s := range pcm {
			out[i] = LinearToAlaw(s)
		}
		return out
	}
	for i, s := range pcm {
		out[i] = LinearToUlaw(s)
	}
	return out
}

// Decode expands an 8-bit G.711 payload to 16-bit linear PCM under
// this law. Output is always exactly one sample per input byte.
func (c Codec) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	if c == PCMA {
		for i, b := range payload {
			out[i] = AlawToLinear(b)
		}
		return out
	}
	for i, b := range payload {
		out[i] = UlawToLinear(b)
	}
	return out
}

// LinearToUlaw compands one 16-bit linear sample to 8-bit mu-law:
// sign extraction, magnitude clip to 32635, bias addition (0x84),
// segment search over the top eight magnitude bits, 4-bit mantissa,
// and a final complement of the whole byte.
func LinearToUlaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > g711Clip {
		s = g711Clip
	}
	s += ulawBias
	exp := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(s>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}

// UlawToLinear expands one 8-bit mu-law byte back to a 16-bit linear
// sample. Exact inverse of LinearToUlaw up to quantization.
func UlawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int32(mant)<<3 + ulawBias) << exp
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToAlaw compands one 16-bit linear sample to 8-bit A-law.
// A-law differs from mu-law in that there is no bias, magnitudes below
// 256 are companded directly from the upper bits, and the result is
// XORed with 0x55 instead of complemented.
func LinearToAlaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s - 1
		sign = 0x80
	}
	if s > g711Clip {
		s = g711Clip
	}
	var comp byte
	if s >= 256 {
		exp := byte(7)
		for mask := int32(0x4000); s&mask == 0 && exp > 0; mask >>= 1 {
			exp--
		}
		comp = exp<<4 | byte(s>>(exp+3))&0x0F
	} else {
		comp = byte(s >> 4)
	}
	return (comp ^ 0x55) ^ sign
}

// AlawToLinear expands one 8-bit A-law byte back to a 16-bit linear
// sample. Exact inverse of LinearToAlaw up to quantization.
func AlawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exp := (a >> 4) & 0x07
	mant := a & 0x0F
	var value int32
	if exp != 0 {
		value = (int32(mant)<<4 + 0x100) << (exp - 1)
	} else {
		value = int32(mant)<<4 + 8
	}
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}
