package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLinearToUlaw_KnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   byte
	}{
		{name: "zero", sample: 0, want: 0xFF},
		{name: "max_positive", sample: 32767, want: 0x80},
		{name: "max_negative", sample: -32768, want: 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LinearToUlaw(tt.sample))
		})
	}
}

func TestUlawToLinear_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		code byte
		want int16
	}{
		{name: "silence", code: 0xFF, want: 0},
		{name: "max_positive", code: 0x80, want: 32124},
		{name: "max_negative", code: 0x00, want: -32124},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UlawToLinear(tt.code))
		})
	}
}

func TestLinearToAlaw_KnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   byte
	}{
		{name: "zero", sample: 0, want: 0x55},
		{name: "minus_one", sample: -1, want: 0xD5},
		{name: "max_positive", sample: 32767, want: 0x2A},
		{name: "max_negative", sample: -32768, want: 0xAA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LinearToAlaw(tt.sample))
		})
	}
}

func TestAlawToLinear_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		code byte
		want int16
	}{
		{name: "near_zero", code: 0x55, want: 8},
		{name: "near_zero_negative", code: 0xD5, want: -8},
		{name: "max_positive", code: 0x2A, want: 31744},
		{name: "max_negative", code: 0xAA, want: -31744},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AlawToLinear(tt.code))
		})
	}
}

// Round-trip error must stay within the largest segment's quantization
// step (1024 for segment 7 in both laws).
func TestUlawRoundTrip_BoundedError(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sample := int16(rapid.IntRange(-32768, 32767).Draw(rt, "sample"))
		got := UlawToLinear(LinearToUlaw(sample))
		diff := int32(sample) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, int32(1024), "sample=%d got=%d", sample, got)
	})
}

func TestAlawRoundTrip_BoundedError(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sample := int16(rapid.IntRange(-32768, 32767).Draw(rt, "sample"))
		got := AlawToLinear(LinearToAlaw(sample))
		diff := int32(sample) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, int32(1024), "sample=%d got=%d", sample, got)
	})
}

func TestUlawRoundTrip_PreservesSign(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sample := int16(rapid.IntRange(-32768, 32767).Draw(rt, "sample"))
		got := UlawToLinear(LinearToUlaw(sample))
		if sample > 512 {
			assert.Greater(t, got, int16(0))
		}
		if sample < -512 {
			assert.Less(t, got, int16(0))
		}
	})
}

func TestCodecFromPayloadType(t *testing.T) {
	tests := []struct {
		name      string
		pt        uint8
		want      Codec
		expectErr bool
	}{
		{name: "pcmu", pt: 0, want: PCMU},
		{name: "pcma", pt: 8, want: PCMA},
		{name: "g722_unsupported", pt: 9, expectErr: true},
		{name: "dynamic_unsupported", pt: 96, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := CodecFromPayloadType(tt.pt)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, codec)
			}
		})
	}
}

func TestCodec_Properties(t *testing.T) {
	assert.Equal(t, "PCMU", PCMU.String())
	assert.Equal(t, "PCMA", PCMA.String())
	assert.Equal(t, uint8(0), PCMU.PayloadType())
	assert.Equal(t, uint8(8), PCMA.PayloadType())
	assert.Equal(t, uint32(8000), PCMU.ClockRate())
	assert.Equal(t, uint32(8000), PCMA.ClockRate())
}

func TestCodec_EncodeDecode_Lengths(t *testing.T) {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(i * 100)
	}

	for _, codec := range []Codec{PCMU, PCMA} {
		encoded := codec.Encode(pcm)
		require.Len(t, encoded, 160)

		decoded := codec.Decode(encoded)
		require.Len(t, decoded, 160)
	}
}
