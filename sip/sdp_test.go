package sip

import (
	"fmt"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dialtone/audio"
)

func offerBody(port int, formats string, rtpmaps ...string) []byte {
	body := "v=0\r\n" +
		"o=caller 2890844526 2890844526 IN IP4 192.168.1.50\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.168.1.50\r\n" +
		"t=0 0\r\n" +
		fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", port, formats)
	for _, m := range rtpmaps {
		body += "a=rtpmap:" + m + "\r\n"
	}
	return []byte(body)
}

func TestParseOffer(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		wantErr     bool
		wantPort    int
		wantAddress string
		wantTypes   []uint8
	}{
		{
			name:        "pcmu_and_pcma",
			body:        offerBody(10500, "0 8", "0 PCMU/8000", "8 PCMA/8000"),
			wantPort:    10500,
			wantAddress: "192.168.1.50",
			wantTypes:   []uint8{0, 8},
		},
		{
			name:        "pcmu_only",
			body:        offerBody(10500, "0", "0 PCMU/8000"),
			wantPort:    10500,
			wantAddress: "192.168.1.50",
			wantTypes:   []uint8{0},
		},
		{
			name:    "empty_body",
			body:    nil,
			wantErr: true,
		},
		{
			name:    "not_sdp",
			body:    []byte("INVITE sip:x SIP/2.0"),
			wantErr: true,
		},
		{
			name: "no_audio_media_line",
			body: []byte("v=0\r\n" +
				"o=caller 1 1 IN IP4 192.168.1.50\r\n" +
				"s=call\r\n" +
				"c=IN IP4 192.168.1.50\r\n" +
				"t=0 0\r\n"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer, err := ParseOffer(tt.body)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPort, offer.Port)
			assert.Equal(t, tt.wantAddress, offer.Address)
			assert.Equal(t, tt.wantTypes, offer.PayloadTypes)
		})
	}
}

func TestParseOfferMediaLevelConnectionWins(t *testing.T) {
	body := []byte("v=0\r\n" +
		"o=caller 1 1 IN IP4 192.168.1.50\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.168.1.50\r\n" +
		"t=0 0\r\n" +
		"m=audio 10500 RTP/AVP 0\r\n" +
		"c=IN IP4 10.9.8.7\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n")

	offer, err := ParseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, "10.9.8.7", offer.Address)
}

func TestMediaOfferSelectCodec(t *testing.T) {
	tests := []struct {
		name    string
		types   []uint8
		want    audio.Codec
		wantErr bool
	}{
		{name: "prefers_pcmu", types: []uint8{0, 8}, want: audio.PCMU},
		{name: "prefers_pcmu_regardless_of_order", types: []uint8{8, 0}, want: audio.PCMU},
		{name: "falls_back_to_pcma", types: []uint8{8}, want: audio.PCMA},
		{name: "nothing_supported", types: []uint8{9, 96}, wantErr: true},
		{name: "empty_offer", types: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer := &MediaOffer{PayloadTypes: tt.types}
			codec, err := offer.SelectCodec()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, codec)
		})
	}
}

func TestBuildAnswer(t *testing.T) {
	tests := []struct {
		name       string
		codec      audio.Codec
		wantRtpmap string
	}{
		{name: "pcmu", codec: audio.PCMU, wantRtpmap: "PCMU/8000"},
		{name: "pcma", codec: audio.PCMA, wantRtpmap: "PCMA/8000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, err := BuildAnswer("127.0.0.1", 10002, tt.codec)
			require.NoError(t, err)

			var sd sdp.SessionDescription
			require.NoError(t, sd.Unmarshal(answer))
			require.Len(t, sd.MediaDescriptions, 1)

			md := sd.MediaDescriptions[0]
			assert.Equal(t, "audio", md.MediaName.Media)
			assert.Equal(t, 10002, md.MediaName.Port.Value)

			codec, err := sd.GetCodecForPayloadType(tt.codec.PayloadType())
			require.NoError(t, err)
			assert.Equal(t, tt.codec.String(), codec.Name)
			assert.Equal(t, uint32(8000), codec.ClockRate)

			assert.Contains(t, string(answer), "c=IN IP4 127.0.0.1")
			assert.Contains(t, string(answer), tt.wantRtpmap)
		})
	}
}

func TestBuildAnswerRoundTripsThroughParseOffer(t *testing.T) {
	answer, err := BuildAnswer("127.0.0.1", 10004, audio.PCMU)
	require.NoError(t, err)

	offer, err := ParseOffer(answer)
	require.NoError(t, err)
	assert.Equal(t, 10004, offer.Port)
	assert.Equal(t, []uint8{0}, offer.PayloadTypes)

	codec, err := offer.SelectCodec()
	require.NoError(t, err)
	assert.Equal(t, audio.PCMU, codec)
}
