package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/audio"
)

// DefaultSamplesPerPacket is one 20ms frame at the 8kHz telephone
// clock rate.
const DefaultSamplesPerPacket = 160

// readDeadline bounds each socket read so the receive loop can notice
// cancellation promptly.
const readDeadline = 100 * time.Millisecond

// ErrSessionClosed is returned by Send after the session has been
// closed.
var ErrSessionClosed = errors.New("rtp session closed")

// Statistics tracks per-session packet and byte counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsDropped  uint64 // parse failures and SSRC mismatches
}

// AudioHandler receives decoded linear PCM from the session's receive
// loop, one call per RTP packet, in delivery order.
type AudioHandler func(callID string, pcm []int16)

// SessionConfig holds everything needed to run one call's media
// transport.
type SessionConfig struct {
	CallID     string
	Codec      audio.Codec
	Conn       *net.UDPConn // local socket, owned by the session once created
	RemoteAddr *net.UDPAddr // negotiated peer media endpoint
	OnAudio    AudioHandler

	// SamplesPerPacket sets the RTP timestamp advance per sent frame.
	// Zero means DefaultSamplesPerPacket.
	SamplesPerPacket uint32

	// JitterDepth enables sequence reordering of up to this many
	// pending packets before delivery. Zero delivers in arrival order.
	JitterDepth int
}

// Session is the media transport for one active call: an exclusively
// owned UDP socket, outbound packetization state, and a receive loop
// that decodes inbound G.711 to linear PCM.
type Session struct {
	callID           string
	codec            audio.Codec
	conn             *net.UDPConn
	remoteAddr       *net.UDPAddr
	samplesPerPacket uint32

	packetizer   *Packetizer
	depacketizer *Depacketizer
	jitter       *JitterBuffer
	onAudio      AudioHandler

	mu    sync.Mutex
	stats Statistics

	lastPacket atomic.Int64 // unix nanos of the last received packet

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession creates the media transport for one call. The session
// takes ownership of config.Conn and closes it on Close.
//
// Parameters:
//   - config: Session configuration
//
// Returns:
//   - *Session: New session, not yet receiving (call Start)
//   - error: Any error that occurred during validation or setup
func NewSession(config SessionConfig) (*Session, error) {
	if config.CallID == "" {
		return nil, fmt.Errorf("call ID cannot be empty")
	}
	if config.Conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if config.RemoteAddr == nil {
		return nil, fmt.Errorf("remote address cannot be nil")
	}

	packetizer, err := NewPacketizer(config.Codec.PayloadType())
	if err != nil {
		return nil, fmt.Errorf("failed to create packetizer: %w", err)
	}

	samples := config.SamplesPerPacket
	if samples == 0 {
		samples = DefaultSamplesPerPacket
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		callID:           config.CallID,
		codec:            config.Codec,
		conn:             config.Conn,
		remoteAddr:       config.RemoteAddr,
		samplesPerPacket: samples,
		packetizer:       packetizer,
		depacketizer:     NewDepacketizer(),
		jitter:           NewJitterBuffer(config.JitterDepth),
		onAudio:          config.OnAudio,
		ctx:              ctx,
		cancel:           cancel,
	}
	s.lastPacket.Store(time.Now().UnixNano())

	logrus.WithFields(logrus.Fields{
		"function":    "NewSession",
		"call_id":     config.CallID,
		"codec":       config.Codec.String(),
		"local_addr":  config.Conn.LocalAddr().String(),
		"remote_addr": config.RemoteAddr.String(),
		"ssrc":        packetizer.SSRC(),
	}).Info("Created RTP session")

	return s, nil
}

// Start launches the receive loop. It returns immediately.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.receiveLoop()
}

// receiveLoop reads RTP packets from the call's socket until the
// session is closed, decoding each payload to PCM and handing it to
// the audio handler.
func (s *Session) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}

		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Session.receiveLoop",
				"call_id":  s.callID,
				"error":    err.Error(),
			}).Debug("RTP read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data)
	}
}

// handlePacket parses, reorders, decodes, and delivers one packet.
func (s *Session) handlePacket(data []byte) {
	packet, err := s.depacketizer.Process(data)
	if err != nil {
		s.mu.Lock()
		s.stats.PacketsDropped++
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Session.handlePacket",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Debug("Dropped inbound RTP packet")
		return
	}

	s.lastPacket.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(data))
	s.mu.Unlock()

	for _, payload := range s.jitter.Push(packet.SequenceNumber, packet.Payload) {
		if s.onAudio != nil {
			s.onAudio(s.callID, s.codec.Decode(payload))
		}
	}
}

// Send encodes one linear PCM frame with the negotiated codec, wraps
// it in an RTP packet, and writes it to the remote endpoint. Callers
// are responsible for frame pacing.
//
// Parameters:
//   - pcm: One frame of linear PCM at the codec clock rate
//
// Returns:
//   - error: ErrSessionClosed after Close, or any transport error
func (s *Session) Send(pcm []int16) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}
	if len(pcm) == 0 {
		return fmt.Errorf("pcm frame cannot be empty")
	}

	payload := s.codec.Encode(pcm)
	data, err := s.packetizer.Packetize(payload, uint32(len(pcm)))
	if err != nil {
		return err
	}

	if _, err := s.conn.WriteToUDP(data, s.remoteAddr); err != nil {
		return fmt.Errorf("failed to send RTP packet: %w", err)
	}

	s.mu.Lock()
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(data))
	s.mu.Unlock()

	return nil
}

// Close stops the receive loop and releases the socket. Safe to call
// more than once; only the first call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
		s.wg.Wait()

		stats := s.Stats()
		logrus.WithFields(logrus.Fields{
			"function":         "Session.Close",
			"call_id":          s.callID,
			"packets_sent":     stats.PacketsSent,
			"packets_received": stats.PacketsReceived,
			"packets_dropped":  stats.PacketsDropped,
		}).Info("Closed RTP session")
	})
	return nil
}

// Stats returns a copy of the session's counters.
func (s *Session) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastPacketAt reports when the session last received a packet, used
// by the signaling layer's inactivity watchdog.
func (s *Session) LastPacketAt() time.Time {
	return time.Unix(0, s.lastPacket.Load())
}

// CallID returns the owning call's identifier.
func (s *Session) CallID() string {
	return s.callID
}

// Codec returns the negotiated payload codec.
func (s *Session) Codec() audio.Codec {
	return s.codec
}

// SamplesPerPacket returns the frame size used for timestamp advance.
func (s *Session) SamplesPerPacket() uint32 {
	return s.samplesPerPacket
}

// LocalPort returns the session's bound UDP port.
func (s *Session) LocalPort() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}
