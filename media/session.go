// Package media implements the per-call gateway between a transport
// (RTP over UDP, or a browser WebSocket) and the voice pipeline: it
// validates and resamples inbound audio into a bounded queue, and
// paces outbound synthesized audio back onto the transport.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/audio"
)

// Defaults applied by NewSession for zero-valued config fields.
const (
	DefaultInboundRate      = 16000
	DefaultOutboundRate     = 8000
	DefaultQueueCapacity    = 100
	DefaultOutboundCapacity = 500
)

// ErrCallEnded is returned when audio arrives for a session that was
// already closed. Late audio is discarded, never delivered.
var ErrCallEnded = errors.New("media session ended")

// Counters tracks one session's audio flow for end-of-call reporting.
type Counters struct {
	ChunksIn        uint64
	ChunksOut       uint64
	BytesIn         uint64
	BytesOut        uint64
	DroppedInvalid  uint64
	DroppedOverflow uint64
}

// SessionConfig holds one call's media session parameters.
type SessionConfig struct {
	CallID string

	// InboundRate is the sample rate chunks are resampled to before
	// queueing, matching what the transcription stage consumes.
	InboundRate int

	// OutboundRate is the transport playback rate; synthesized audio
	// is resampled to it before framing.
	OutboundRate int

	// QueueCapacity bounds the inbound queue; overflow drops the
	// oldest chunk.
	QueueCapacity int

	// OutboundCapacity bounds the queue of unsent outbound frames.
	OutboundCapacity int

	// RecordAudio accumulates raw inbound audio for post-call storage.
	RecordAudio bool
}

// Session buffers one call's media. Inbound chunks are validated,
// resampled to the pipeline rate, and queued for the orchestrator;
// outbound frames wait for the transport's playout loop. Both queues
// drop the oldest entry on overflow rather than blocking.
type Session struct {
	callID       string
	inboundRate  int
	outboundRate int
	record       bool

	inbound  chan audio.Chunk
	outbound chan []int16

	mu           sync.Mutex
	closed       bool
	counters     Counters
	recording    []byte
	inResampler  *audio.Resampler
	inRate       int
	outResampler *audio.Resampler
	outRate      int
}

// NewSession creates the media buffers for one call.
func NewSession(config SessionConfig) *Session {
	if config.InboundRate <= 0 {
		config.InboundRate = DefaultInboundRate
	}
	if config.OutboundRate <= 0 {
		config.OutboundRate = DefaultOutboundRate
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.OutboundCapacity <= 0 {
		config.OutboundCapacity = DefaultOutboundCapacity
	}

	return &Session{
		callID:       config.CallID,
		inboundRate:  config.InboundRate,
		outboundRate: config.OutboundRate,
		record:       config.RecordAudio,
		inbound:      make(chan audio.Chunk, config.QueueCapacity),
		outbound:     make(chan []int16, config.OutboundCapacity),
	}
}

// Enqueue validates one inbound chunk, resamples it to the pipeline
// rate, and queues it. Invalid chunks are counted and dropped; a full
// queue drops its oldest chunk first.
//
// Parameters:
//   - chunk: Raw inbound audio with its source rate and channel count
//
// Returns:
//   - error: Validation failure, or ErrCallEnded after Close
func (s *Session) Enqueue(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrCallEnded
	}

	if err := audio.ValidateChunk(chunk.Data, chunk.SampleRate, chunk.Channels); err != nil {
		s.counters.DroppedInvalid++
		return fmt.Errorf("invalid audio chunk: %w", err)
	}

	if s.record {
		s.recording = append(s.recording, chunk.Data...)
	}

	queued := chunk
	if chunk.SampleRate != s.inboundRate {
		resampled, err := s.resampleInLocked(chunk)
		if err != nil {
			s.counters.DroppedInvalid++
			return err
		}
		queued = resampled
	}

	for {
		select {
		case s.inbound <- queued:
			s.counters.ChunksIn++
			s.counters.BytesIn += uint64(len(chunk.Data))
			return nil
		default:
			select {
			case <-s.inbound:
				s.counters.DroppedOverflow++
			default:
			}
		}
	}
}

// resampleInLocked converts a chunk to the pipeline rate, keeping
// interpolation state across chunks. Callers hold s.mu.
func (s *Session) resampleInLocked(chunk audio.Chunk) (audio.Chunk, error) {
	if s.inResampler == nil || s.inRate != chunk.SampleRate {
		r, err := audio.NewResampler(audio.ResamplerConfig{
			InputRate:  uint32(chunk.SampleRate),
			OutputRate: uint32(s.inboundRate),
			Channels:   chunk.Channels,
		})
		if err != nil {
			return audio.Chunk{}, fmt.Errorf("failed to create resampler: %w", err)
		}
		s.inResampler = r
		s.inRate = chunk.SampleRate
	}

	samples, err := s.inResampler.Resample(chunk.Samples())
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("failed to resample chunk: %w", err)
	}
	return audio.Chunk{
		Data:       audio.Int16ToBytes(samples),
		SampleRate: s.inboundRate,
		Channels:   chunk.Channels,
	}, nil
}

// PushOutbound queues PCM at the transport rate for playout, dropping
// the oldest pending frame when the queue is full.
func (s *Session) PushOutbound(frame []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.outbound <- frame:
			s.counters.ChunksOut++
			s.counters.BytesOut += uint64(len(frame) * audio.BytesPerSample)
			return
		default:
			select {
			case <-s.outbound:
				s.counters.DroppedOverflow++
			default:
			}
		}
	}
}

// ResampleOutbound converts synthesized audio to the transport rate,
// keeping interpolation state across chunks.
func (s *Session) ResampleOutbound(samples []int16, fromRate, channels int) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromRate == s.outboundRate {
		return samples, nil
	}
	if s.outResampler == nil || s.outRate != fromRate {
		r, err := audio.NewResampler(audio.ResamplerConfig{
			InputRate:  uint32(fromRate),
			OutputRate: uint32(s.outboundRate),
			Channels:   channels,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler: %w", err)
		}
		s.outResampler = r
		s.outRate = fromRate
	}
	return s.outResampler.Resample(samples)
}

// Queue returns the inbound channel consumed by the orchestrator. It
// is closed when the session ends.
func (s *Session) Queue() <-chan audio.Chunk {
	return s.inbound
}

// Outbound returns the channel drained by the transport's playout
// loop.
func (s *Session) Outbound() <-chan []int16 {
	return s.outbound
}

// FlushOutbound discards every queued-but-unsent outbound frame,
// returning how many were dropped. Used for barge-in cancellation.
func (s *Session) FlushOutbound() int {
	flushed := 0
	for {
		select {
		case <-s.outbound:
			flushed++
		default:
			if flushed > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Session.FlushOutbound",
					"call_id":  s.callID,
					"flushed":  flushed,
				}).Debug("Flushed outbound audio")
			}
			return flushed
		}
	}
}

// Recording returns the accumulated raw inbound audio, nil unless
// recording was enabled.
func (s *Session) Recording() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Counters returns a copy of the session's flow counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// OutboundRate returns the transport playback rate.
func (s *Session) OutboundRate() int {
	return s.outboundRate
}

// InboundRate returns the rate inbound audio is delivered at.
func (s *Session) InboundRate() int {
	return s.inboundRate
}

// Close discards all queued audio and closes the inbound channel so
// consumers stop. Late Enqueue calls fail with ErrCallEnded. Safe to
// call once per session; the gateway guarantees that.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.FlushOutbound()
	for {
		select {
		case <-s.inbound:
		default:
			close(s.inbound)
			return
		}
	}
}
