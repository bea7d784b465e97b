package media

import (
	"errors"
	"sync"

	"github.com/opd-ai/dialtone/audio"
)

// ErrCallNotFound is returned when a gateway operation names a call it
// is not managing.
var ErrCallNotFound = errors.New("call not found")

// Gateway is the boundary between a transport and the voice pipeline.
// Both the telephony (RTP) and browser (WebSocket) variants satisfy
// it, so the orchestrator never knows which transport a call rides on.
//
// All methods are safe for concurrent use, and calls are isolated: an
// error or stall on one call never affects another.
type Gateway interface {
	// OnCallStarted allocates media state for a newly answered call.
	OnCallStarted(callID string, metadata map[string]string) error

	// OnAudioReceived queues one chunk of caller audio for the
	// pipeline. Invalid chunks are counted and dropped; a full queue
	// drops its oldest chunk.
	OnAudioReceived(callID string, chunk audio.Chunk) error

	// SendAudio queues synthesized audio for playback to the caller,
	// resampling to the transport rate as needed.
	SendAudio(callID string, chunk audio.Chunk) error

	// FlushOutbound discards all queued-but-unsent outbound audio for
	// a call, returning how much was dropped. Called on barge-in.
	FlushOutbound(callID string) int

	// OnCallEnded tears down a call's media state. Queued audio is
	// discarded and the inbound channel is closed.
	OnCallEnded(callID string, reason string) error

	// AudioQueue exposes a call's inbound audio for the orchestrator.
	// The second return is false when the call is unknown.
	AudioQueue(callID string) (<-chan audio.Chunk, bool)
}

// FrameSender transmits one frame of transport-rate PCM to a call's
// peer. *rtp.Session satisfies it.
type FrameSender interface {
	Send(pcm []int16) error
	SamplesPerPacket() uint32
}

// SenderLookup resolves the transmitter for a call, false when the
// call has no active media path yet.
type SenderLookup func(callID string) (FrameSender, bool)

// registry is the shared callID-to-session map both gateways embed.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(callID string, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[callID]; exists {
		return false
	}
	r.sessions[callID] = session
	return true
}

func (r *registry) get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[callID]
	return session, ok
}

// remove detaches and returns the session so the caller can close it
// outside the lock.
func (r *registry) remove(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	return session, ok
}

// Counters returns a live call's flow counters, false when the call
// is unknown. Both gateways expose this through embedding.
func (r *registry) Counters(callID string) (Counters, bool) {
	session, ok := r.get(callID)
	if !ok {
		return Counters{}, false
	}
	return session.Counters(), true
}

func (r *registry) callIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
