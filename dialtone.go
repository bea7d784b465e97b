package dialtone

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/config"
	"github.com/opd-ai/dialtone/dialog"
	"github.com/opd-ai/dialtone/media"
	"github.com/opd-ai/dialtone/metrics"
	"github.com/opd-ai/dialtone/pipeline"
	"github.com/opd-ai/dialtone/sip"
)

// Transport labels used in call metrics.
const (
	TransportUDP = "udp"
	TransportWS  = "websocket"
)

// Options assembles a server: the effective configuration plus the
// streaming providers every call will use.
type Options struct {
	// Config is the effective configuration, typically from
	// config.Load. NewOptions seeds it with config.Default.
	Config config.Config

	// Transcriber, Generator, and Synthesizer are the streaming
	// providers shared by every call. All three are required; the
	// pipeline/static package ships in-process implementations.
	Transcriber pipeline.Transcriber
	Generator   pipeline.Generator
	Synthesizer pipeline.Synthesizer

	// Events receives pipeline events for every call on either
	// transport, in addition to the built-in WebSocket control
	// bridge. Nil disables.
	Events pipeline.EventSink

	// Metrics collects call and pipeline metrics. Nil disables
	// collection.
	Metrics *metrics.Collector
}

// NewOptions returns Options with the default configuration and no
// providers set.
func NewOptions() *Options {
	return &Options{Config: config.Default()}
}

// Server is the assembled phone-agent core: a signaling server
// answering telephony calls, a WebSocket gateway for browser calls,
// and one voice pipeline per transport. Construct with New, run with
// Start, and shut down with Stop.
type Server struct {
	config  config.Config
	events  pipeline.EventSink
	metrics *metrics.Collector

	engine    *dialog.Engine
	signaling *sip.Server
	udpGW     *media.UDPGateway
	wsGW      *media.WSGateway
	udpOrch   *pipeline.Orchestrator
	wsOrch    *pipeline.Orchestrator

	stopOnce sync.Once
}

// New assembles a server from options. Nothing listens until Start.
//
// Parameters:
//   - options: Configuration and providers; see Options
//
// Returns:
//   - *Server: Assembled server
//   - error: Missing providers or component construction failure
func New(options *Options) (*Server, error) {
	if options == nil {
		return nil, errors.New("options are required")
	}
	if options.Transcriber == nil || options.Generator == nil || options.Synthesizer == nil {
		return nil, errors.New("transcriber, generator, and synthesizer providers are required")
	}

	cfg := options.Config
	srv := &Server{
		config:  cfg,
		events:  options.Events,
		metrics: options.Metrics,
	}

	srv.engine = dialog.NewEngine(dialog.Config{
		MaxTurns:      cfg.Dialog.MaxTurns,
		MaxObjections: cfg.Dialog.MaxObjections,
		MaxErrors:     cfg.Dialog.MaxErrors,
	})

	pipelineCfg := pipeline.Config{
		Voice:           cfg.Pipeline.Voice,
		SynthesisRate:   cfg.Pipeline.SynthesisRate,
		SystemPrompt:    cfg.Pipeline.SystemPrompt,
		Greeting:        cfg.Pipeline.Greeting,
		HistoryWindow:   cfg.Pipeline.HistoryWindow,
		Temperature:     cfg.Pipeline.Temperature,
		MaxTokens:       cfg.Pipeline.MaxTokens,
		EnergyThreshold: cfg.Pipeline.EnergyThreshold,
		MinSpeech:       cfg.Pipeline.MinSpeech,
		FallbackLines:   cfg.Pipeline.FallbackLines,
	}

	// A nil *Collector must stay a nil interface for the pipeline.
	var sink pipeline.MetricsSink
	if options.Metrics != nil {
		sink = options.Metrics
	}

	udpGW, err := media.NewUDPGateway(media.UDPConfig{
		Lookup:           srv.lookupSender,
		InboundRate:      cfg.Media.InboundRate,
		QueueCapacity:    cfg.Media.QueueCapacity,
		OutboundCapacity: cfg.Media.OutboundCapacity,
		FrameInterval:    cfg.Media.FrameInterval,
		RecordAudio:      cfg.Media.RecordAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telephony gateway: %w", err)
	}
	srv.udpGW = udpGW

	udpOrch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Gateway:     udpGW,
		Transcriber: options.Transcriber,
		Generator:   options.Generator,
		Synthesizer: options.Synthesizer,
		Engine:      srv.engine,
		Events:      options.Events,
		Metrics:     sink,
		EndCall: func(callID, reason string) {
			srv.signaling.EndCall(callID, reason)
		},
	}, pipelineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create telephony pipeline: %w", err)
	}
	srv.udpOrch = udpOrch

	srv.wsGW = media.NewWSGateway(media.WSConfig{
		InboundRate:      cfg.Media.InboundRate,
		QueueCapacity:    cfg.Media.QueueCapacity,
		OutboundCapacity: cfg.Media.OutboundCapacity,
		HeartbeatAfter:   cfg.Media.HeartbeatAfter,
		RecordAudio:      cfg.Media.RecordAudio,
		OnCallStarted:    srv.onWSCallStarted,
		OnCallEnded:      srv.onWSCallEnded,
		OnVoiceSwitch:    srv.onWSVoiceSwitch,
	})

	wsOrch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Gateway:     srv.wsGW,
		Transcriber: options.Transcriber,
		Generator:   options.Generator,
		Synthesizer: options.Synthesizer,
		Engine:      srv.engine,
		Events:      srv.bridgeWSEvent,
		Metrics:     sink,
		EndCall: func(callID, reason string) {
			if err := srv.wsGW.OnCallEnded(callID, reason); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Server.EndCall",
					"call_id":  callID,
					"error":    err,
				}).Debug("WebSocket call already gone")
			}
		},
	}, pipelineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser pipeline: %w", err)
	}
	srv.wsOrch = wsOrch

	signaling, err := sip.NewServer(sip.ServerConfig{
		ListenAddr:    cfg.Signaling.ListenAddr,
		MediaHost:     cfg.Signaling.MediaHost,
		MinMediaPort:  cfg.Signaling.MinMediaPort,
		MaxMediaPort:  cfg.Signaling.MaxMediaPort,
		AnswerDelay:   cfg.Signaling.AnswerDelay,
		RTPInactivity: cfg.Signaling.RTPInactivity,
		JitterDepth:   cfg.Signaling.JitterDepth,
		OnCallStarted: srv.onSIPCallStarted,
		OnCallEnded:   srv.onSIPCallEnded,
		OnAudio:       udpGW.HandleRTPAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create signaling server: %w", err)
	}
	srv.signaling = signaling

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"listen_addr": cfg.Signaling.ListenAddr,
		"media_host":  cfg.Signaling.MediaHost,
	}).Info("Dialtone server assembled")

	return srv, nil
}

// Start binds the signaling socket and begins answering telephony
// calls. Browser calls are accepted as soon as WSHandler is serving.
func (s *Server) Start(ctx context.Context) error {
	return s.signaling.Start(ctx)
}

// Stop ends every call on both transports and waits for the
// pipelines to drain. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.signaling.Stop()
		s.wsGW.Stop()
		s.udpOrch.Stop()
		s.wsOrch.Stop()
		s.udpGW.Stop()

		logrus.WithFields(logrus.Fields{
			"function": "Server.Stop",
		}).Info("Dialtone server stopped")
	})
	return err
}

// WSHandler returns the HTTP handler that accepts browser calls.
// Mount it wherever the daemon serves its WebSocket endpoint.
func (s *Server) WSHandler() http.Handler {
	return s.wsGW
}

// ActiveCalls lists the calls currently running a voice pipeline on
// either transport.
func (s *Server) ActiveCalls() []string {
	return append(s.udpOrch.ActiveCalls(), s.wsOrch.ActiveCalls()...)
}

// Hangup ends a call on whichever transport owns it.
//
// Parameters:
//   - callID: Call to end
//
// Returns:
//   - bool: False when no transport knows the call
func (s *Server) Hangup(callID string) bool {
	if s.signaling.EndCall(callID, sip.ReasonLocal) {
		return true
	}
	return s.wsGW.OnCallEnded(callID, "local_hangup") == nil
}

// SwitchVoice changes a live call's synthesis voice.
func (s *Server) SwitchVoice(callID, voice string) error {
	if err := s.udpOrch.SwitchVoice(callID, voice); err == nil {
		return nil
	}
	return s.wsOrch.SwitchVoice(callID, voice)
}

// lookupSender resolves a call's RTP transmitter for the telephony
// gateway's playout loop.
func (s *Server) lookupSender(callID string) (media.FrameSender, bool) {
	session, ok := s.signaling.Session(callID)
	if !ok {
		return nil, false
	}
	return session, true
}

// onSIPCallStarted allocates media state for a newly answered
// telephony call and attaches a voice pipeline.
func (s *Server) onSIPCallStarted(callID string) {
	if err := s.udpGW.OnCallStarted(callID, nil); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.onSIPCallStarted",
			"call_id":  callID,
			"error":    err,
		}).Error("Failed to allocate call media, hanging up")
		s.signaling.EndCall(callID, "media_failure")
		return
	}
	if s.metrics != nil {
		s.metrics.CallStarted(TransportUDP)
	}

	if err := s.udpOrch.Attach(callID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.onSIPCallStarted",
			"call_id":  callID,
			"error":    err,
		}).Error("Failed to attach pipeline, hanging up")
		s.signaling.EndCall(callID, "pipeline_failure")
	}
}

// onSIPCallEnded releases a telephony call's media and pipeline.
func (s *Server) onSIPCallEnded(callID string, reason string) {
	s.recordDrops(s.udpGW.Counters(callID))
	if err := s.udpGW.OnCallEnded(callID, reason); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.onSIPCallEnded",
			"call_id":  callID,
			"error":    err,
		}).Debug("Media already released")
	}
	s.udpOrch.Detach(callID)

	if s.metrics != nil {
		s.metrics.CallEnded(TransportUDP, reason)
	}
}

// onWSCallStarted attaches a voice pipeline to a browser call that
// completed its config handshake.
func (s *Server) onWSCallStarted(callID string, metadata map[string]string) {
	if s.metrics != nil {
		s.metrics.CallStarted(TransportWS)
	}
	if err := s.wsOrch.Attach(callID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.onWSCallStarted",
			"call_id":  callID,
			"error":    err,
		}).Error("Failed to attach pipeline, ending call")
		_ = s.wsGW.OnCallEnded(callID, "pipeline_failure")
	}
}

// onWSCallEnded releases a browser call's pipeline. The gateway fires
// this before dropping the session, so counters are still readable.
func (s *Server) onWSCallEnded(callID string, reason string) {
	s.recordDrops(s.wsGW.Counters(callID))
	s.wsOrch.Detach(callID)

	if s.metrics != nil {
		s.metrics.CallEnded(TransportWS, reason)
	}
}

// onWSVoiceSwitch applies a browser client's mid-call voice change.
func (s *Server) onWSVoiceSwitch(callID, voice string) {
	if err := s.wsOrch.SwitchVoice(callID, voice); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.onWSVoiceSwitch",
			"call_id":  callID,
			"voice":    voice,
			"error":    err,
		}).Warn("Voice switch for unknown call")
	}
}

// bridgeWSEvent forwards pipeline events to the browser client as
// control messages, then to the caller-supplied sink.
func (s *Server) bridgeWSEvent(ev pipeline.Event) {
	if msg, ok := controlFor(ev); ok {
		if err := s.wsGW.SendControl(ev.CallID, msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.bridgeWSEvent",
				"call_id":  ev.CallID,
				"type":     string(ev.Type),
				"error":    err,
			}).Debug("Dropping control message for finished call")
		}
	}
	if s.events != nil {
		s.events(ev)
	}
}

// controlFor maps a pipeline event to its WebSocket control message.
func controlFor(ev pipeline.Event) (media.ControlMessage, bool) {
	switch ev.Type {
	case pipeline.EventTranscript:
		return media.ControlMessage{Type: media.TypeTranscript, Text: ev.Text, Final: ev.Final, Turn: ev.Turn}, true
	case pipeline.EventResponse:
		return media.ControlMessage{Type: media.TypeLLMResponse, Text: ev.Text, Turn: ev.Turn}, true
	case pipeline.EventTurnComplete:
		return media.ControlMessage{Type: media.TypeTurnComplete, Turn: ev.Turn}, true
	case pipeline.EventBargeIn:
		return media.ControlMessage{Type: media.TypeBargeIn, Turn: ev.Turn}, true
	case pipeline.EventVoiceSwitched:
		return media.ControlMessage{Type: media.TypeVoiceSwitched, Voice: ev.Text, Turn: ev.Turn}, true
	default:
		return media.ControlMessage{}, false
	}
}

// recordDrops reports a finished call's dropped-chunk counters.
func (s *Server) recordDrops(counters media.Counters, ok bool) {
	if !ok || s.metrics == nil {
		return
	}
	s.metrics.RecordDrops(metrics.DropInvalid, counters.DroppedInvalid)
	s.metrics.RecordDrops(metrics.DropOverflow, counters.DroppedOverflow)
}
