// Package dialtone implements a real-time voice agent core for phone
// conversations.
//
// Dialtone answers inbound calls, streams caller audio through a
// transcription provider, drives a goal-directed dialog engine over an
// LLM-style text generator, and speaks the replies back through a
// speech synthesizer, keeping the whole loop fast enough that a
// caller can interrupt the agent mid-sentence and be heard. This
// package is the main API facade that integrates all subsystems:
// signaling, RTP media, codec handling, media gateways, the dialog
// engine, and the per-call voice pipeline.
//
// # Getting Started
//
// Create a server with options, providing the three streaming
// providers every call will use:
//
//	options := dialtone.NewOptions()
//	options.Config.Signaling.ListenAddr = "0.0.0.0:5060"
//	options.Transcriber = myTranscriber
//	options.Generator = myGenerator
//	options.Synthesizer = mySynthesizer
//
//	srv, err := dialtone.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
// Telephony calls arrive on the signaling socket and are answered
// automatically. Browser calls arrive over WebSocket; mount the
// handler on any mux:
//
//	http.Handle("/ws", srv.WSHandler())
//
// # Core Types
//
// The package defines several core types:
//
//   - [Server]: Main facade running both call transports
//   - [Options]: Configuration and providers for creating a Server
//
// The streaming provider contracts live in the pipeline package:
//
//   - [pipeline.Transcriber]: Audio in, transcript chunks out
//   - [pipeline.Generator]: Conversation messages in, reply tokens out
//   - [pipeline.Synthesizer]: Reply text in, audio chunks out
//
// The pipeline/static package ships deterministic in-process
// implementations of all three, used by the demo daemon and useful in
// tests.
//
// # Call Lifecycle
//
// Every answered call gets its own voice pipeline. The pipeline
// speaks a greeting, then loops: accumulate caller transcript
// partials, detect end of turn, advance the dialog engine, generate a
// reply, and synthesize it back to the caller. The dialog engine
// decides when the conversation is over and the server hangs up on
// its behalf. Calls can also be ended explicitly:
//
//	for _, callID := range srv.ActiveCalls() {
//	    srv.Hangup(callID)
//	}
//
// # Barge-In
//
// While the agent is speaking, caller speech interrupts it. Sustained
// voice energy or a fresh transcript partial cancels the in-flight
// synthesis and flushes queued agent audio, after which the pipeline
// returns to listening. The caller's words are never lost; the
// transcription stream keeps running across the interruption.
//
// # Events
//
// Register an event sink to observe every call's progress:
//
//	options.Events = func(ev pipeline.Event) {
//	    switch ev.Type {
//	    case pipeline.EventTranscript:
//	        fmt.Printf("[%s] caller: %s\n", ev.CallID, ev.Text)
//	    case pipeline.EventResponse:
//	        fmt.Printf("[%s] agent: %s\n", ev.CallID, ev.Text)
//	    case pipeline.EventBargeIn:
//	        fmt.Printf("[%s] interrupted on turn %d\n", ev.CallID, ev.Turn)
//	    }
//	}
//
// Browser calls additionally receive these events as JSON control
// messages on their WebSocket, so a web client can render live
// transcripts without extra wiring.
//
// # Metrics
//
// Pass a metrics collector to publish per-stage latency histograms,
// call and barge-in counters, and conversation outcomes:
//
//	reg := prometheus.NewRegistry()
//	options.Metrics = metrics.NewCollector(reg)
//
// Serve reg with promhttp wherever the daemon exposes metrics.
//
// # Configuration
//
// Config covers signaling, media buffering, pipeline tuning, dialog
// limits, and logging. Load it from YAML with environment overrides:
//
//	cfg, err := config.Load("dialtone.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	options.Config = cfg
//
// # Integration Architecture
//
// This package serves as the main integration point, orchestrating:
//
//   - [sip]: Signaling server answering and tearing down calls
//   - [rtp]: Per-call RTP media sessions with jitter handling
//   - [audio]: PCM chunks, G.711 codecs, and sample-rate conversion
//   - [media]: Transport gateways bridging calls to the pipeline
//   - [dialog]: Conversation state machine and outcome classification
//   - [pipeline]: Per-call orchestrator running the voice loop
//   - [metrics]: Prometheus collectors for calls and stage latency
//
// # Thread Safety
//
// The Server is safe for concurrent use. Each call runs on its own
// goroutines, and all public methods may be called from any
// goroutine.
package dialtone
