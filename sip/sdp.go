package sip

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/opd-ai/dialtone/audio"
)

// MediaOffer is the subset of a session description the server
// negotiates on: where to send media and which payload types the peer
// accepts.
type MediaOffer struct {
	Address      string
	Port         int
	PayloadTypes []uint8
}

// ParseOffer extracts the audio media parameters from an SDP offer.
// The first audio section wins; a media-level connection line
// overrides the session-level one.
//
// Parameters:
//   - body: Raw SDP bytes from the request body
//
// Returns:
//   - *MediaOffer: Extracted media parameters
//   - error: Any error that occurred during parsing, or a missing
//     audio media line
func ParseOffer(body []byte) (*MediaOffer, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty media description")
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse media description: %w", err)
	}

	offer := &MediaOffer{}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		offer.Address = sd.ConnectionInformation.Address.Address
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		offer.Port = md.MediaName.Port.Value
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			offer.Address = md.ConnectionInformation.Address.Address
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			offer.PayloadTypes = append(offer.PayloadTypes, uint8(pt))
		}
		break
	}

	if offer.Port == 0 {
		return nil, fmt.Errorf("no audio media line in offer")
	}
	return offer, nil
}

// SelectCodec picks the answer codec from the offered payload types,
// preferring mu-law over A-law.
func (o *MediaOffer) SelectCodec() (audio.Codec, error) {
	hasPCMA := false
	for _, pt := range o.PayloadTypes {
		switch pt {
		case audio.PCMU.PayloadType():
			return audio.PCMU, nil
		case audio.PCMA.PayloadType():
			hasPCMA = true
		}
	}
	if hasPCMA {
		return audio.PCMA, nil
	}
	return audio.PCMU, fmt.Errorf("no supported payload type in offer: %v", o.PayloadTypes)
}

// BuildAnswer generates the SDP answer advertising one negotiated
// codec on the given local media endpoint.
//
// Parameters:
//   - localIP: Address written to the origin and connection lines
//   - port: Local RTP port from the allocator
//   - codec: Negotiated codec for the single audio line
//
// Returns:
//   - []byte: Marshaled SDP answer
//   - error: Any error that occurred during marshaling
func BuildAnswer(localIP string, port int, codec audio.Codec) ([]byte, error) {
	sessionID := uint64(time.Now().Unix())

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "dialtone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	// WithCodec appends the payload type to Formats and writes the
	// matching rtpmap attribute.
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
		Attributes: []sdp.Attribute{{Key: "sendrecv"}},
	}
	md = md.WithCodec(codec.PayloadType(), codec.String(), codec.ClockRate(), 1, "")
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	data, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media answer: %w", err)
	}
	return data, nil
}
