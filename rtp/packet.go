// Package rtp implements the per-call media transport: RTP packet
// framing over a call-owned UDP socket.
//
// Each active call holds exactly one Session bound to its own local
// port. Packets are built and parsed with the pion/rtp library; the
// G.711 payload codec comes from the audio package. Sequence numbers,
// timestamps, and SSRC handling follow RFC 3550 conventions for 20ms
// telephone audio frames.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Packetizer builds outbound RTP packets for one audio stream.
//
// The sequence number increments by one per packet and wraps at 16
// bits; the timestamp advances by the sample count of each frame. One
// Packetizer serves one stream and must not be shared across calls.
type Packetizer struct {
	mu             sync.Mutex
	ssrc           uint32
	payloadType    uint8
	sequenceNumber uint16
	timestamp      uint32
}

// NewPacketizer creates a packetizer with a random SSRC for the given
// static payload type.
//
// Parameters:
//   - payloadType: RTP payload type number (0 for PCMU, 8 for PCMA)
//
// Returns:
//   - *Packetizer: New packetizer instance
//   - error: Any error that occurred generating the SSRC
func NewPacketizer(payloadType uint8) (*Packetizer, error) {
	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	ssrc := binary.BigEndian.Uint32(ssrcBytes)

	logrus.WithFields(logrus.Fields{
		"function":     "NewPacketizer",
		"ssrc":         ssrc,
		"payload_type": payloadType,
	}).Debug("Created RTP packetizer")

	return &Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
	}, nil
}

// Packetize wraps one encoded audio frame in an RTP packet and returns
// the marshaled bytes, advancing sequence and timestamp state.
//
// Parameters:
//   - payload: Encoded audio frame (G.711 bytes)
//   - sampleCount: Number of audio samples the frame represents
//
// Returns:
//   - []byte: Marshaled RTP packet ready for the wire
//   - error: Any error that occurred during marshaling
func (p *Packetizer) Packetize(payload []byte, sampleCount uint32) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	data, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}

	p.sequenceNumber++
	p.timestamp += sampleCount

	return data, nil
}

// SSRC returns the stream's synchronization source identifier.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// Depacketizer parses inbound RTP packets for one audio stream.
//
// It locks onto the first SSRC seen and rejects packets from any
// other source. Sequence gaps are logged but not repaired here; the
// optional JitterBuffer handles reordering.
type Depacketizer struct {
	mu           sync.Mutex
	expectedSSRC uint32
	hasSSRC      bool
	lastSeq      uint16
	hasLastSeq   bool
}

// NewDepacketizer creates a depacketizer ready to lock onto a stream.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Process parses one raw RTP packet and validates it against the
// locked stream state.
//
// Parameters:
//   - data: Raw RTP packet bytes from the socket
//
// Returns:
//   - *rtp.Packet: Parsed packet with header and payload
//   - error: Parse failure or SSRC mismatch
func (d *Depacketizer) Process(data []byte) (*rtp.Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("RTP data cannot be empty")
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasSSRC {
		d.expectedSSRC = packet.SSRC
		d.hasSSRC = true
		logrus.WithFields(logrus.Fields{
			"function": "Depacketizer.Process",
			"ssrc":     packet.SSRC,
		}).Debug("Locked onto stream SSRC")
	} else if packet.SSRC != d.expectedSSRC {
		return nil, fmt.Errorf("unexpected SSRC: expected %d, got %d", d.expectedSSRC, packet.SSRC)
	}

	if d.hasLastSeq && packet.SequenceNumber != d.lastSeq+1 {
		logrus.WithFields(logrus.Fields{
			"function":          "Depacketizer.Process",
			"expected_sequence": d.lastSeq + 1,
			"received_sequence": packet.SequenceNumber,
		}).Debug("Sequence gap in RTP stream")
	}
	d.lastSeq = packet.SequenceNumber
	d.hasLastSeq = true

	return packet, nil
}

// JitterBuffer reorders RTP payloads by sequence number before
// delivery.
//
// Push returns payloads in strict sequence order. When more than
// depth packets are pending the buffer skips over the missing
// sequence instead of stalling, trading a gap for bounded latency.
// A depth of zero passes every packet through untouched.
type JitterBuffer struct {
	mu      sync.Mutex
	depth   int
	pending map[uint16][]byte
	nextSeq uint16
	primed  bool
}

// NewJitterBuffer creates a buffer that tolerates up to depth
// out-of-order packets.
func NewJitterBuffer(depth int) *JitterBuffer {
	return &JitterBuffer{
		depth:   depth,
		pending: make(map[uint16][]byte),
	}
}

// Push adds one packet and returns every payload now deliverable in
// sequence order. The returned slice may be empty while the buffer
// waits for a missing packet.
func (jb *JitterBuffer) Push(seq uint16, payload []byte) [][]byte {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.depth <= 0 {
		return [][]byte{payload}
	}

	if !jb.primed {
		jb.nextSeq = seq
		jb.primed = true
	}
	jb.pending[seq] = payload

	var out [][]byte
	out = jb.drain(out)

	// A stalled stream means the next sequence was lost: skip ahead to
	// the oldest pending packet rather than buffering without bound.
	if len(jb.pending) > jb.depth {
		jb.nextSeq = jb.oldestPending()
		out = jb.drain(out)
	}

	return out
}

func (jb *JitterBuffer) drain(out [][]byte) [][]byte {
	for {
		payload, ok := jb.pending[jb.nextSeq]
		if !ok {
			return out
		}
		delete(jb.pending, jb.nextSeq)
		out = append(out, payload)
		jb.nextSeq++
	}
}

// oldestPending returns the pending sequence closest after nextSeq in
// wrap-around order.
func (jb *JitterBuffer) oldestPending() uint16 {
	var best uint16
	var bestDist uint16 = 0xFFFF
	for seq := range jb.pending {
		dist := seq - jb.nextSeq
		if dist <= bestDist {
			bestDist = dist
			best = seq
		}
	}
	return best
}

// Reset clears buffered packets and the sequence lock, for stream
// discontinuities.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.pending = make(map[uint16][]byte)
	jb.primed = false
}
