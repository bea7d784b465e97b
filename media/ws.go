package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/audio"
)

// Control message types exchanged with the browser client. Text
// frames carry JSON control messages; binary frames carry raw audio.
const (
	TypeConfig        = "config"
	TypeReady         = "ready"
	TypeTranscript    = "transcript"
	TypeLLMResponse   = "llm_response"
	TypeTurnComplete  = "turn_complete"
	TypeBargeIn       = "barge_in"
	TypeVoiceSwitched = "voice_switched"
	TypeEndCall       = "end_call"
	TypeHeartbeat     = "heartbeat"
	TypeError         = "error"
)

// Inbound audio encodings a client may select in its config message.
const (
	FormatPCM16 = "pcm16"
	FormatOpus  = "opus"
)

const (
	// DefaultHeartbeatAfter is how long a connection may stay silent
	// before the server sends a heartbeat to keep it alive.
	DefaultHeartbeatAfter = 30 * time.Second

	wsHandshakeTimeout = 5 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsMaxMessageBytes  = 1 << 20
	controlQueueSize   = 16
)

// ControlMessage is the JSON envelope for every non-audio frame on a
// browser connection. Unused fields are omitted per message type.
type ControlMessage struct {
	Type       string `json:"type"`
	CallID     string `json:"call_id,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Turn       int    `json:"turn,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

// WSConfig holds the browser gateway's parameters.
type WSConfig struct {
	// InboundRate is the pipeline sample rate caller audio is
	// resampled to. Defaults to 16000.
	InboundRate int

	// QueueCapacity bounds each call's inbound queue.
	QueueCapacity int

	// OutboundCapacity bounds each call's unsent outbound chunks.
	OutboundCapacity int

	// HeartbeatAfter is the receive silence that triggers a server
	// heartbeat. Defaults to 30s.
	HeartbeatAfter time.Duration

	// RecordAudio accumulates raw caller audio per call.
	RecordAudio bool

	// OnCallStarted fires after a client completes its config
	// handshake, so a pipeline can attach to the new call.
	OnCallStarted func(callID string, metadata map[string]string)

	// OnCallEnded fires once per call when its connection ends.
	OnCallEnded func(callID string, reason string)

	// OnVoiceSwitch fires when a client re-sends its config with a new
	// voice mid-call.
	OnVoiceSwitch func(callID string, voice string)
}

// wsCall is one browser connection's transport state.
type wsCall struct {
	conn     *websocket.Conn
	control  chan ControlMessage
	cancel   context.CancelFunc
	lastRecv atomic.Int64
}

// WSGateway serves the browser demo transport: one WebSocket per
// call, JSON control messages interleaved with binary audio frames.
// It satisfies the same Gateway contract as the telephony variant, so
// the pipeline cannot tell the transports apart.
type WSGateway struct {
	config   WSConfig
	upgrader websocket.Upgrader

	*registry

	mu    sync.Mutex
	conns map[string]*wsCall
	wg    sync.WaitGroup
}

// NewWSGateway creates the browser media gateway. Register it as an
// http.Handler to accept connections.
func NewWSGateway(config WSConfig) *WSGateway {
	if config.InboundRate <= 0 {
		config.InboundRate = DefaultInboundRate
	}
	if config.HeartbeatAfter <= 0 {
		config.HeartbeatAfter = DefaultHeartbeatAfter
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewWSGateway",
		"inbound_rate":    config.InboundRate,
		"heartbeat_after": config.HeartbeatAfter,
	}).Info("Creating WebSocket media gateway")

	return &WSGateway{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry: newRegistry(),
		conns:    make(map[string]*wsCall),
	}
}

// ServeHTTP upgrades the connection, runs the config handshake, and
// pumps audio both ways until the client leaves or the call is ended.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WSGateway.ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err,
		}).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageBytes)

	cfg, err := g.readConfig(conn)
	if err != nil {
		g.rejectConn(conn, err.Error())
		return
	}

	callID := uuid.NewString()
	session := NewSession(SessionConfig{
		CallID:           callID,
		InboundRate:      g.config.InboundRate,
		OutboundRate:     cfg.SampleRate,
		QueueCapacity:    g.config.QueueCapacity,
		OutboundCapacity: g.config.OutboundCapacity,
		RecordAudio:      g.config.RecordAudio,
	})
	g.add(callID, session)

	ctx, cancel := context.WithCancel(context.Background())
	call := &wsCall{
		conn:    conn,
		control: make(chan ControlMessage, controlQueueSize),
		cancel:  cancel,
	}
	call.lastRecv.Store(time.Now().UnixNano())

	g.mu.Lock()
	g.conns[callID] = call
	g.mu.Unlock()

	g.wg.Add(1)
	go g.writeLoop(ctx, call, session)

	if err := g.send(call, ControlMessage{Type: TypeReady, CallID: callID}); err != nil {
		g.endCall(callID, "disconnect", false)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "WSGateway.ServeHTTP",
		"call_id":     callID,
		"remote":      r.RemoteAddr,
		"format":      cfg.Format,
		"sample_rate": cfg.SampleRate,
	}).Info("WebSocket call started")

	if g.config.OnCallStarted != nil {
		g.config.OnCallStarted(callID, map[string]string{
			"transport":   "websocket",
			"format":      cfg.Format,
			"sample_rate": strconv.Itoa(cfg.SampleRate),
			"voice":       cfg.Voice,
		})
	}

	g.readLoop(callID, call, session, cfg)
}

// readConfig waits for the client's first frame, which must be a
// config control message, and applies its defaults.
func (g *WSGateway) readConfig(conn *websocket.Conn) (ControlMessage, error) {
	if err := conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout)); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to arm handshake deadline: %w", err)
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return ControlMessage{}, fmt.Errorf("failed to read config message: %w", err)
	}
	if messageType != websocket.TextMessage {
		return ControlMessage{}, fmt.Errorf("first frame must be a config message")
	}

	var cfg ControlMessage
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ControlMessage{}, fmt.Errorf("invalid config message: %w", err)
	}
	if cfg.Type != TypeConfig {
		return ControlMessage{}, fmt.Errorf("first frame must be a config message, got %q", cfg.Type)
	}

	switch cfg.Format {
	case "":
		cfg.Format = FormatPCM16
	case FormatPCM16, FormatOpus:
	default:
		return ControlMessage{}, fmt.Errorf("unsupported audio format %q", cfg.Format)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultInboundRate
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	return cfg, nil
}

// rejectConn reports a handshake failure and closes the connection.
// The writer goroutine does not exist yet, so writing directly here
// is safe.
func (g *WSGateway) rejectConn(conn *websocket.Conn, message string) {
	deadline := time.Now().Add(wsWriteTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(ControlMessage{Type: TypeError, Message: message}); err == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	}
	logrus.WithFields(logrus.Fields{
		"function": "WSGateway.rejectConn",
		"reason":   message,
	}).Debug("Rejected WebSocket connection")
}

// readLoop consumes client frames until the connection drops or the
// client hangs up. Binary frames are caller audio; text frames are
// control messages.
func (g *WSGateway) readLoop(callID string, call *wsCall, session *Session, cfg ControlMessage) {
	var opusDec *audio.OpusDecoder
	if cfg.Format == FormatOpus {
		opusDec = audio.NewOpusDecoder()
	}

	for {
		messageType, data, err := call.conn.ReadMessage()
		if err != nil {
			g.endCall(callID, "disconnect", false)
			return
		}
		call.lastRecv.Store(time.Now().UnixNano())

		switch messageType {
		case websocket.BinaryMessage:
			chunk, err := g.decodeInbound(data, cfg, opusDec)
			if err == nil {
				err = session.Enqueue(chunk)
			}
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "WSGateway.readLoop",
					"call_id":  callID,
					"error":    err,
				}).Debug("Dropping caller audio")
			}

		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "WSGateway.readLoop",
					"call_id":  callID,
					"error":    err,
				}).Debug("Dropping malformed control message")
				continue
			}
			switch msg.Type {
			case TypeEndCall:
				g.endCall(callID, "client_end", false)
				return
			case TypeHeartbeat:
				// Receipt already refreshed lastRecv.
			case TypeConfig:
				// A repeated config message mid-call changes the voice.
				if msg.Voice != "" && g.config.OnVoiceSwitch != nil {
					g.config.OnVoiceSwitch(callID, msg.Voice)
				}
			default:
				logrus.WithFields(logrus.Fields{
					"function": "WSGateway.readLoop",
					"call_id":  callID,
					"type":     msg.Type,
				}).Debug("Ignoring unsupported control message")
			}
		}
	}
}

// decodeInbound converts one binary frame to a PCM chunk per the
// client's negotiated encoding.
func (g *WSGateway) decodeInbound(data []byte, cfg ControlMessage, opusDec *audio.OpusDecoder) (audio.Chunk, error) {
	if cfg.Format == FormatOpus {
		pcm, rate, err := opusDec.Decode(data)
		if err != nil {
			return audio.Chunk{}, err
		}
		return audio.Chunk{
			Data:       audio.Int16ToBytes(pcm),
			SampleRate: int(rate),
			Channels:   1,
		}, nil
	}
	return audio.Chunk{
		Data:       data,
		SampleRate: cfg.SampleRate,
		Channels:   1,
	}, nil
}

// writeLoop is the connection's only writer. It drains control
// messages and outbound audio, sends heartbeats on receive silence,
// and flushes pending control messages before closing.
func (g *WSGateway) writeLoop(ctx context.Context, call *wsCall, session *Session) {
	defer g.wg.Done()

	period := g.config.HeartbeatAfter / 2
	if period < 50*time.Millisecond {
		period = 50 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var lastBeat time.Time
	for {
		select {
		case <-ctx.Done():
			g.flushControl(call)
			call.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			call.conn.Close()
			return

		case msg := <-call.control:
			if err := g.writeJSON(call, msg); err != nil {
				return
			}

		case frame := <-session.Outbound():
			call.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := call.conn.WriteMessage(websocket.BinaryMessage, audio.Int16ToBytes(frame)); err != nil {
				return
			}

		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, call.lastRecv.Load()))
			if idle >= g.config.HeartbeatAfter && now.Sub(lastBeat) >= g.config.HeartbeatAfter {
				if err := g.writeJSON(call, ControlMessage{Type: TypeHeartbeat}); err != nil {
					return
				}
				lastBeat = now
			}
		}
	}
}

// flushControl writes the last pending control messages during
// shutdown so an end_call notification reaches the client.
func (g *WSGateway) flushControl(call *wsCall) {
	for i := 0; i < controlQueueSize; i++ {
		select {
		case msg := <-call.control:
			if err := g.writeJSON(call, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *WSGateway) writeJSON(call *wsCall, msg ControlMessage) error {
	call.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return call.conn.WriteJSON(msg)
}

// send queues a control message for the connection's writer.
func (g *WSGateway) send(call *wsCall, msg ControlMessage) error {
	select {
	case call.control <- msg:
		return nil
	default:
		return fmt.Errorf("control queue full")
	}
}

// SendControl queues a control message to one call's client, used by
// the pipeline to surface transcripts, responses, and barge-in
// notices.
func (g *WSGateway) SendControl(callID string, msg ControlMessage) error {
	g.mu.Lock()
	call, ok := g.conns[callID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	msg.CallID = callID
	return g.send(call, msg)
}

// OnCallStarted is satisfied for the Gateway contract; browser calls
// allocate their media state during the connection handshake, so this
// only verifies the call exists.
func (g *WSGateway) OnCallStarted(callID string, metadata map[string]string) error {
	if _, ok := g.get(callID); !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return nil
}

// OnAudioReceived queues caller audio for the pipeline. The read loop
// feeds this path; it is exported for the Gateway contract.
func (g *WSGateway) OnAudioReceived(callID string, chunk audio.Chunk) error {
	session, ok := g.get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return session.Enqueue(chunk)
}

// SendAudio resamples synthesized audio to the client's rate and
// queues it for the connection writer.
func (g *WSGateway) SendAudio(callID string, chunk audio.Chunk) error {
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
	session.PushOutbound(samples)
	return nil
}

// FlushOutbound discards a call's queued outbound audio. The caller
// is expected to follow with a barge_in control message so the client
// clears audio it already buffered.
func (g *WSGateway) FlushOutbound(callID string) int {
	session, ok := g.get(callID)
	if !ok {
		return 0
	}
	return session.FlushOutbound()
}

// OnCallEnded ends a call from the server side, notifying the client
// before closing its connection.
func (g *WSGateway) OnCallEnded(callID string, reason string) error {
	if !g.endCall(callID, reason, true) {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return nil
}

// AudioQueue exposes a call's inbound audio channel.
func (g *WSGateway) AudioQueue(callID string) (<-chan audio.Chunk, bool) {
	session, ok := g.get(callID)
	if !ok {
		return nil, false
	}
	return session.Queue(), true
}

// Recording returns a call's accumulated caller audio, nil unless
// recording is enabled. Valid until the call ends.
func (g *WSGateway) Recording(callID string) []byte {
	session, ok := g.get(callID)
	if !ok {
		return nil
	}
	return session.Recording()
}

// Stop ends every active call and waits for the connection writers to
// exit.
func (g *WSGateway) Stop() {
	for _, callID := range g.callIDs() {
		g.endCall(callID, "shutdown", true)
	}
	g.wg.Wait()
}

// endCall tears down one call exactly once: the connection map entry
// is the guard, so racing reader, server, and shutdown paths settle
// on a single winner.
func (g *WSGateway) endCall(callID string, reason string, notifyClient bool) bool {
	g.mu.Lock()
	call, ok := g.conns[callID]
	if ok {
		delete(g.conns, callID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	if notifyClient {
		g.send(call, ControlMessage{Type: TypeEndCall, CallID: callID, Reason: reason})
	}
	call.cancel()

	// Hook fires while the session is still registered so the owner
	// can read final counters.
	if g.config.OnCallEnded != nil {
		g.config.OnCallEnded(callID, reason)
	}

	session, ok := g.remove(callID)
	if ok {
		session.Close()
		counters := session.Counters()
		logrus.WithFields(logrus.Fields{
			"function":   "WSGateway.endCall",
			"call_id":    callID,
			"reason":     reason,
			"chunks_in":  counters.ChunksIn,
			"chunks_out": counters.ChunksOut,
			"dropped":    counters.DroppedInvalid + counters.DroppedOverflow,
		}).Info("WebSocket call ended")
	}
	return true
}
