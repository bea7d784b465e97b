package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/audio"
)

// DefaultFrameInterval is the telephony playout cadence, one G.711
// packet's worth of audio.
const DefaultFrameInterval = 20 * time.Millisecond

// UDPConfig holds the telephony gateway's parameters.
type UDPConfig struct {
	// Lookup resolves a call's RTP transmitter. Required.
	Lookup SenderLookup

	// InboundRate is the pipeline sample rate caller audio is
	// resampled to. Defaults to 16000.
	InboundRate int

	// QueueCapacity bounds each call's inbound queue.
	QueueCapacity int

	// OutboundCapacity bounds each call's unsent playout frames.
	OutboundCapacity int

	// FrameInterval paces outbound frames. Defaults to 20ms.
	FrameInterval time.Duration

	// RecordAudio accumulates raw caller audio per call.
	RecordAudio bool
}

// UDPGateway bridges RTP calls to the voice pipeline. Caller audio
// arrives as decoded telephony PCM and is resampled up for the
// pipeline; synthesized audio is resampled down to 8kHz, sliced into
// 20ms frames, and transmitted on a fixed cadence so the peer's
// jitter buffer stays fed.
type UDPGateway struct {
	config UDPConfig

	*registry

	mu       sync.Mutex
	playouts map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewUDPGateway creates the telephony media gateway.
//
// Parameters:
//   - config: Gateway parameters; Lookup is required
//
// Returns:
//   - *UDPGateway: Gateway ready to manage calls
//   - error: Configuration failure
func NewUDPGateway(config UDPConfig) (*UDPGateway, error) {
	if config.Lookup == nil {
		return nil, fmt.Errorf("sender lookup is required")
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = DefaultFrameInterval
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewUDPGateway",
		"inbound_rate":   config.InboundRate,
		"frame_interval": config.FrameInterval,
	}).Info("Creating UDP media gateway")

	return &UDPGateway{
		config:   config,
		registry: newRegistry(),
		playouts: make(map[string]context.CancelFunc),
	}, nil
}

// OnCallStarted allocates media buffers for an answered call and
// starts its playout loop.
func (g *UDPGateway) OnCallStarted(callID string, metadata map[string]string) error {
	session := NewSession(SessionConfig{
		CallID:           callID,
		InboundRate:      g.config.InboundRate,
		OutboundRate:     audio.TelephonyRate,
		QueueCapacity:    g.config.QueueCapacity,
		OutboundCapacity: g.config.OutboundCapacity,
		RecordAudio:      g.config.RecordAudio,
	})
	if !g.add(callID, session) {
		return fmt.Errorf("call %s already has a media session", callID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.playouts[callID] = cancel
	g.mu.Unlock()

	g.wg.Add(1)
	go g.playout(ctx, callID, session)

	logrus.WithFields(logrus.Fields{
		"function": "UDPGateway.OnCallStarted",
		"call_id":  callID,
		"metadata": metadata,
	}).Info("Media session started")
	return nil
}

// OnAudioReceived queues one chunk of caller audio for the pipeline.
func (g *UDPGateway) OnAudioReceived(callID string, chunk audio.Chunk) error {
	session, ok := g.get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return session.Enqueue(chunk)
}

// HandleRTPAudio adapts decoded RTP audio into the gateway. Its
// signature matches the RTP session's audio handler so the signaling
// server can deliver straight into the pipeline.
func (g *UDPGateway) HandleRTPAudio(callID string, pcm []int16) {
	chunk := audio.Chunk{
		Data:       audio.Int16ToBytes(pcm),
		SampleRate: audio.TelephonyRate,
		Channels:   1,
	}
	if err := g.OnAudioReceived(callID, chunk); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPGateway.HandleRTPAudio",
			"call_id":  callID,
			"error":    err,
		}).Debug("Dropping caller audio")
	}
}

// SendAudio resamples synthesized audio to the telephony rate, slices
// it into fixed frames, and queues them for paced transmission. The
// final short frame is padded with silence.
func (g *UDPGateway) SendAudio(callID string, chunk audio.Chunk) error {
	session, ok := g.get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if err := audio.ValidateChunk(chunk.Data, chunk.SampleRate, chunk.Channels); err != nil {
		return fmt.Errorf("invalid outbound chunk: %w", err)
	}

	samples := chunk.Samples()
	if chunk.Channels == 2 {
		samples = downmix(samples)
	}
	samples, err := session.ResampleOutbound(samples, chunk.SampleRate, 1)
	if err != nil {
		return err
	}

	frameSize := g.frameSize(callID)
	for off := 0; off < len(samples); off += frameSize {
		end := off + frameSize
		if end > len(samples) {
			frame := make([]int16, frameSize)
			copy(frame, samples[off:])
			session.PushOutbound(frame)
			break
		}
		session.PushOutbound(samples[off:end])
	}
	return nil
}

// FlushOutbound discards a call's queued playout frames, returning
// how many were dropped. Zero for unknown calls.
func (g *UDPGateway) FlushOutbound(callID string) int {
	session, ok := g.get(callID)
	if !ok {
		return 0
	}
	return session.FlushOutbound()
}

// OnCallEnded stops the call's playout loop and discards its buffers.
func (g *UDPGateway) OnCallEnded(callID string, reason string) error {
	session, ok := g.remove(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	g.mu.Lock()
	if cancel, ok := g.playouts[callID]; ok {
		cancel()
		delete(g.playouts, callID)
	}
	g.mu.Unlock()

	session.Close()
	counters := session.Counters()
	logrus.WithFields(logrus.Fields{
		"function":   "UDPGateway.OnCallEnded",
		"call_id":    callID,
		"reason":     reason,
		"chunks_in":  counters.ChunksIn,
		"chunks_out": counters.ChunksOut,
		"dropped":    counters.DroppedInvalid + counters.DroppedOverflow,
	}).Info("Media session ended")
	return nil
}

// AudioQueue exposes a call's inbound audio channel.
func (g *UDPGateway) AudioQueue(callID string) (<-chan audio.Chunk, bool) {
	session, ok := g.get(callID)
	if !ok {
		return nil, false
	}
	return session.Queue(), true
}

// Recording returns a call's accumulated caller audio, nil unless
// recording is enabled. Valid until OnCallEnded.
func (g *UDPGateway) Recording(callID string) []byte {
	session, ok := g.get(callID)
	if !ok {
		return nil
	}
	return session.Recording()
}

// Stop ends every active media session and waits for the playout
// loops to exit.
func (g *UDPGateway) Stop() {
	for _, callID := range g.callIDs() {
		if err := g.OnCallEnded(callID, "shutdown"); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPGateway.Stop",
				"call_id":  callID,
				"error":    err,
			}).Debug("Media session already gone")
		}
	}
	g.wg.Wait()
}

// playout transmits one queued frame per tick until the call ends.
// Frames queued before the RTP path is resolvable stay queued, so a
// slow answer delays playback instead of losing it.
func (g *UDPGateway) playout(ctx context.Context, callID string, session *Session) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sender, ok := g.config.Lookup(callID)
			if !ok {
				continue
			}

			var frame []int16
			select {
			case frame = <-session.Outbound():
			default:
				continue
			}

			if err := sender.Send(frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "UDPGateway.playout",
					"call_id":  callID,
					"error":    err,
				}).Debug("Failed to send audio frame")
			}
		}
	}
}

// frameSize returns the call's transmit frame length: the RTP
// session's packet size once the path is resolvable, else one standard
// 20ms telephony frame. Frames queued under the fallback stay valid
// because both G.711 sessions use the same packetization.
func (g *UDPGateway) frameSize(callID string) int {
	if sender, ok := g.config.Lookup(callID); ok {
		if n := int(sender.SamplesPerPacket()); n > 0 {
			return n
		}
	}
	return int(int64(audio.TelephonyRate) * int64(DefaultFrameInterval) / int64(time.Second))
}

// downmix averages a stereo stream into mono.
func downmix(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}
