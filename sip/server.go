package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/rtp"
)

// Defaults applied by NewServer for zero-valued config fields.
const (
	DefaultListenAddr    = "0.0.0.0:5060"
	DefaultMediaHost     = "127.0.0.1"
	DefaultMinMediaPort  = 10000
	DefaultMaxMediaPort  = 20000
	DefaultAnswerDelay   = 500 * time.Millisecond
	DefaultRTPInactivity = 30 * time.Second
)

// readTimeout bounds each listener read so shutdown is noticed
// promptly.
const readTimeout = 100 * time.Millisecond

// CallStartedHook runs after a call turns active, so a voice pipeline
// can attach to it.
type CallStartedHook func(callID string)

// CallEndedHook runs after a call is torn down, with the reason
// (ReasonRemoteBye, ReasonRTPTimeout, ReasonShutdown, ReasonLocal).
type CallEndedHook func(callID string, reason string)

// ServerConfig configures the signaling server.
type ServerConfig struct {
	// ListenAddr is the UDP address for inbound signaling datagrams.
	ListenAddr string

	// MediaHost is the IP advertised in SDP answers and bound for
	// per-call RTP sockets.
	MediaHost string

	// MinMediaPort and MaxMediaPort bound the RTP port range.
	MinMediaPort int
	MaxMediaPort int

	// AnswerDelay is the pause between 180 Ringing and 200 OK.
	AnswerDelay time.Duration

	// RTPInactivity force-ends a call whose media session has been
	// silent this long.
	RTPInactivity time.Duration

	// JitterDepth enables RTP reordering on each call's session.
	JitterDepth int

	OnCallStarted CallStartedHook
	OnCallEnded   CallEndedHook

	// OnAudio receives each call's decoded inbound PCM.
	OnAudio rtp.AudioHandler
}

// Server answers signaling requests over a shared UDP socket and owns
// the registry of live calls. It is constructed explicitly and runs
// between Start and Stop, with no package-level state.
type Server struct {
	config ServerConfig
	ports  *rtp.PortAllocator

	mu      sync.RWMutex
	conn    *net.UDPConn
	calls   map[string]*Call
	started bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a signaling server. Zero-valued config fields get
// defaults; the server does not listen until Start.
//
// Parameters:
//   - config: Server configuration
//
// Returns:
//   - *Server: Configured server
//   - error: Any error that occurred during validation
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.MediaHost == "" {
		config.MediaHost = DefaultMediaHost
	}
	if config.MinMediaPort == 0 {
		config.MinMediaPort = DefaultMinMediaPort
	}
	if config.MaxMediaPort == 0 {
		config.MaxMediaPort = DefaultMaxMediaPort
	}
	if config.AnswerDelay == 0 {
		config.AnswerDelay = DefaultAnswerDelay
	}
	if config.RTPInactivity == 0 {
		config.RTPInactivity = DefaultRTPInactivity
	}

	ports, err := rtp.NewPortAllocator(config.MediaHost, config.MinMediaPort, config.MaxMediaPort)
	if err != nil {
		return nil, fmt.Errorf("invalid media port range: %w", err)
	}

	return &Server{
		config: config,
		ports:  ports,
		calls:  make(map[string]*Call),
	}, nil
}

// Start binds the signaling socket and launches the listener and the
// RTP inactivity watchdog. It returns once both are running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind signaling socket: %w", err)
	}

	s.conn = conn
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.listen()
	go s.watchdog()

	logrus.WithFields(logrus.Fields{
		"function":    "Server.Start",
		"listen_addr": conn.LocalAddr().String(),
		"media_host":  s.config.MediaHost,
		"media_ports": fmt.Sprintf("%d-%d", s.config.MinMediaPort, s.config.MaxMediaPort),
	}).Info("Signaling server started")

	return nil
}

// Stop shuts the server down: the listener exits, in-flight handlers
// finish, and every remaining call is ended with ReasonShutdown. Safe
// to call more than once; a stopped server cannot be restarted.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		cancel := s.cancel
		s.mu.Unlock()
		if conn == nil {
			return
		}

		cancel()
		conn.Close()
		s.wg.Wait()

		for _, callID := range s.CallIDs() {
			s.EndCall(callID, ReasonShutdown)
		}

		logrus.WithFields(logrus.Fields{
			"function": "Server.Stop",
		}).Info("Signaling server stopped")
	})
	return nil
}

// LocalAddr returns the bound signaling address, nil before Start.
func (s *Server) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Call looks up a live call by ID.
func (s *Server) Call(callID string) (*Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	return call, ok
}

// Session returns the RTP session for a live call, nil while ringing.
func (s *Server) Session(callID string) (*rtp.Session, bool) {
	call, ok := s.Call(callID)
	if !ok {
		return nil, false
	}
	session := call.Session()
	if session == nil {
		return nil, false
	}
	return session, true
}

// CallIDs returns the IDs of every live call.
func (s *Server) CallIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.calls))
	for id := range s.calls {
		ids = append(ids, id)
	}
	return ids
}

// EndCall tears one call down: it leaves the registry, its RTP
// session closes, and the OnCallEnded hook fires. Returns false when
// the call is not live, making teardown idempotent.
func (s *Server) EndCall(callID, reason string) bool {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	// Mark ended before leaving the registry so a racing answer path
	// sees the transition and backs off.
	session := call.end()
	delete(s.calls, callID)
	s.mu.Unlock()

	if session != nil {
		session.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.EndCall",
		"call_id":  callID,
		"reason":   reason,
		"duration": time.Since(call.CreatedAt).String(),
	}).Info("Call ended")

	if s.config.OnCallEnded != nil {
		s.config.OnCallEnded(callID, reason)
	}
	return true
}

// listen reads signaling datagrams until shutdown, dispatching each
// one to its own handler goroutine.
func (s *Server) listen() {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Server.listen",
				"error":    err.Error(),
			}).Debug("Signaling read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleDatagram(data, addr)
		}()
	}
}

// handleDatagram parses one datagram and routes it by method.
// Malformed datagrams are dropped without a reply.
func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	req, err := ParseRequest(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleDatagram",
			"peer":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropped malformed datagram")
		return
	}

	switch req.Method {
	case MethodRegister, MethodOptions:
		s.respond(addr, NewResponse(req, StatusOK, "OK").WithToTag(newTag()))
	case MethodInvite:
		s.handleInvite(req, addr)
	case MethodAck:
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleDatagram",
			"call_id":  req.Header("Call-ID"),
		}).Debug("ACK received")
	case MethodBye:
		s.handleBye(req, addr)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleDatagram",
			"method":   req.Method,
			"peer":     addr.String(),
		}).Debug("Ignoring unsupported method")
	}
}

// handleInvite negotiates media and answers a new call: Ringing
// immediately, then OK with the SDP answer after the configured
// delay. Retransmitted INVITEs for an active call replay the cached
// answer.
func (s *Server) handleInvite(req *Request, addr *net.UDPAddr) {
	callID := req.Header("Call-ID")
	if callID == "" {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleInvite",
			"peer":     addr.String(),
		}).Debug("Dropped INVITE without Call-ID")
		return
	}

	if existing, ok := s.Call(callID); ok {
		if answer := existing.cachedAnswer(); answer != nil {
			resp := NewResponse(req, StatusOK, "OK").
				WithToTag(existing.localTag).
				WithBody("application/sdp", answer)
			s.respond(addr, resp)
		}
		return
	}

	offer, err := ParseOffer(req.Body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleInvite",
			"call_id":  callID,
			"error":    err.Error(),
		}).Debug("Dropped INVITE without usable media offer")
		return
	}

	codec, err := offer.SelectCodec()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleInvite",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Rejecting INVITE, no common codec")
		s.respond(addr, NewResponse(req, StatusNotAcceptable, "Not Acceptable Here").WithToTag(newTag()))
		return
	}

	remoteMedia := s.resolveMediaAddr(offer, addr)

	mediaConn, mediaPort, err := s.ports.Bind()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleInvite",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Failed to allocate media port")
		return
	}

	call := &Call{
		ID:          callID,
		From:        req.Header("From"),
		To:          req.Header("To"),
		PeerAddr:    addr,
		CreatedAt:   time.Now(),
		state:       CallRinging,
		localTag:    newTag(),
		codec:       codec,
		remoteMedia: remoteMedia,
	}

	s.mu.Lock()
	if _, dup := s.calls[callID]; dup {
		s.mu.Unlock()
		mediaConn.Close()
		return
	}
	s.calls[callID] = call
	s.mu.Unlock()

	s.respond(addr, NewResponse(req, StatusRinging, "Ringing").WithToTag(call.localTag))

	logrus.WithFields(logrus.Fields{
		"function":     "Server.handleInvite",
		"call_id":      callID,
		"from":         call.From,
		"codec":        codec.String(),
		"remote_media": remoteMedia.String(),
	}).Info("Call ringing")

	select {
	case <-time.After(s.config.AnswerDelay):
	case <-s.ctx.Done():
		s.abandonCall(callID, mediaConn)
		return
	}

	answer, err := BuildAnswer(s.config.MediaHost, mediaPort, codec)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleInvite",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Failed to build media answer")
		s.abandonCall(callID, mediaConn)
		return
	}

	session, err := rtp.NewSession(rtp.SessionConfig{
		CallID:      callID,
		Codec:       codec,
		Conn:        mediaConn,
		RemoteAddr:  remoteMedia,
		JitterDepth: s.config.JitterDepth,
		OnAudio:     s.config.OnAudio,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleInvite",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Failed to create media session")
		s.abandonCall(callID, mediaConn)
		return
	}
	session.Start()
	if !call.activate(session, answer) {
		session.Close()
		return
	}

	resp := NewResponse(req, StatusOK, "OK").
		WithToTag(call.localTag).
		WithBody("application/sdp", answer)
	s.respond(addr, resp)

	logrus.WithFields(logrus.Fields{
		"function":   "Server.handleInvite",
		"call_id":    callID,
		"codec":      codec.String(),
		"media_port": mediaPort,
	}).Info("Call answered")

	if s.config.OnCallStarted != nil {
		s.config.OnCallStarted(callID)
	}
}

// abandonCall drops a call that never reached active, releasing its
// registry slot and the media socket it reserved.
func (s *Server) abandonCall(callID string, mediaConn *net.UDPConn) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
	mediaConn.Close()
}

// handleBye acknowledges the hangup, then tears the call down.
func (s *Server) handleBye(req *Request, addr *net.UDPAddr) {
	callID := req.Header("Call-ID")
	s.respond(addr, NewResponse(req, StatusOK, "OK").WithToTag(newTag()))
	s.EndCall(callID, ReasonRemoteBye)
}

// watchdog force-ends calls whose RTP sessions have gone silent past
// the inactivity window.
func (s *Server) watchdog() {
	defer s.wg.Done()

	interval := s.config.RTPInactivity / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, callID := range s.CallIDs() {
				call, ok := s.Call(callID)
				if !ok || call.State() != CallActive {
					continue
				}
				session := call.Session()
				if session == nil {
					continue
				}
				silence := time.Since(session.LastPacketAt())
				if silence > s.config.RTPInactivity {
					logrus.WithFields(logrus.Fields{
						"function": "Server.watchdog",
						"call_id":  callID,
						"silence":  silence.String(),
					}).Warn("RTP inactivity window exceeded")
					s.EndCall(callID, ReasonRTPTimeout)
				}
			}
		}
	}
}

// resolveMediaAddr determines where to send RTP: the offer's
// connection address when resolvable, else the signaling source IP.
func (s *Server) resolveMediaAddr(offer *MediaOffer, peer *net.UDPAddr) *net.UDPAddr {
	if offer.Address != "" {
		resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", offer.Address, offer.Port))
		if err == nil {
			return resolved
		}
		logrus.WithFields(logrus.Fields{
			"function": "Server.resolveMediaAddr",
			"address":  offer.Address,
			"error":    err.Error(),
		}).Debug("Unresolvable connection address, using signaling source")
	}
	return &net.UDPAddr{IP: peer.IP, Port: offer.Port}
}

// respond marshals and sends one reply to the peer.
func (s *Server) respond(addr *net.UDPAddr, resp *Response) {
	if _, err := s.conn.WriteToUDP(resp.Marshal(), addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.respond",
			"peer":     addr.String(),
			"code":     resp.Code,
			"error":    err.Error(),
		}).Debug("Failed to send response")
	}
}

// newTag generates a dialog tag for the To header.
func newTag() string {
	return uuid.NewString()[:8]
}
