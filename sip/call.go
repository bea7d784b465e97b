package sip

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/dialtone/audio"
	"github.com/opd-ai/dialtone/rtp"
)

// CallState tracks a call through its signaling lifecycle.
type CallState int

const (
	// CallRinging means the INVITE was accepted and the OK answer is
	// pending the configured delay.
	CallRinging CallState = iota
	// CallActive means media is negotiated and the RTP session runs.
	CallActive
	// CallEnded means the call was torn down and removed.
	CallEnded
)

// String returns a human-readable state name.
func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// Call end reasons passed to the OnCallEnded hook.
const (
	ReasonRemoteBye  = "remote_bye"
	ReasonRTPTimeout = "rtp_timeout"
	ReasonShutdown   = "shutdown"
	ReasonLocal      = "local_hangup"
)

// Call is one signaling dialog: peer identity, negotiated media
// parameters, and the lifecycle state machine ringing, active, ended.
type Call struct {
	ID        string
	From      string
	To        string
	PeerAddr  *net.UDPAddr
	CreatedAt time.Time

	mu          sync.Mutex
	state       CallState
	localTag    string
	codec       audio.Codec
	remoteMedia *net.UDPAddr
	session     *rtp.Session
	answer      []byte
}

// State returns the call's current lifecycle state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Codec returns the negotiated payload codec.
func (c *Call) Codec() audio.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Session returns the call's RTP session, nil while ringing.
func (c *Call) Session() *rtp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// RemoteMedia returns the peer's negotiated media endpoint.
func (c *Call) RemoteMedia() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteMedia
}

// activate records the negotiated media session and marks the call
// active. It fails when the call was torn down while ringing, so a
// BYE racing the answer delay cannot resurrect the call. The cached
// answer is replayed on INVITE retransmissions.
func (c *Call) activate(session *rtp.Session, answer []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallRinging {
		return false
	}
	c.session = session
	c.answer = answer
	c.state = CallActive
	return true
}

// end marks the call ended and returns the session to close, if any.
func (c *Call) end() *rtp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CallEnded
	session := c.session
	c.session = nil
	return session
}

// cachedAnswer returns the stored SDP answer for retransmission
// handling, nil until the call is active.
func (c *Call) cachedAnswer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answer
}
