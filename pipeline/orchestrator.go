package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/audio"
	"github.com/opd-ai/dialtone/dialog"
	"github.com/opd-ai/dialtone/media"
)

// CallState tracks one call's position in the pipeline lifecycle.
type CallState int32

const (
	CallConnecting CallState = iota
	CallActive
	CallListening
	CallProcessing
	CallSpeaking
	CallEnding
	CallEnded
	CallError
)

// String returns the lifecycle name used in logs.
func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallListening:
		return "listening"
	case CallProcessing:
		return "processing"
	case CallSpeaking:
		return "speaking"
	case CallEnding:
		return "ending"
	case CallEnded:
		return "ended"
	case CallError:
		return "error"
	default:
		return "unknown"
	}
}

// Pipeline stage names recorded in LatencyMetric.Component and on the
// metrics sink.
const (
	ComponentTranscription = "transcription"
	ComponentGeneration    = "generation"
	ComponentSynthesis     = "synthesis"
	ComponentTurnTotal     = "turn_total"
)

// Hangup reasons handed to the transport when the pipeline ends a
// call itself.
const (
	ReasonComplete = "conversation_complete"
	ReasonError    = "pipeline_error"
)

// sttBuffer absorbs transcriber scheduling jitter before the pump
// starts dropping caller audio.
const sttBuffer = 32

// Config tunes turn handling and barge-in for every call an
// orchestrator runs.
type Config struct {
	// Voice is the default synthesis voice. Calls can switch voices
	// mid-conversation via SwitchVoice.
	Voice string

	// SynthesisRate is the sample rate requested from the synthesizer.
	SynthesisRate int

	// SystemPrompt is the base system instruction for every response.
	SystemPrompt string

	// Greeting, when set, is spoken verbatim when a call connects.
	// When empty the opening line is generated like any other reply.
	Greeting string

	// HistoryWindow bounds the generation prompt to the last N
	// history messages.
	HistoryWindow int

	// Temperature and MaxTokens are passed to the generator. Zero
	// temperature is valid and means deterministic sampling.
	Temperature float64
	MaxTokens   int

	// EnergyThreshold and MinSpeech tune barge-in: caller audio above
	// the threshold for at least MinSpeech interrupts agent speech.
	EnergyThreshold float64
	MinSpeech       time.Duration

	// FallbackLines are spoken in rotation when generation fails.
	FallbackLines []string
}

// Defaults applied by DefaultConfig and NewOrchestrator.
const (
	DefaultSynthesisRate   = 16000
	DefaultHistoryWindow   = 10
	DefaultTemperature     = 0.3
	DefaultMaxTokens       = 80
	DefaultEnergyThreshold = 0.05
	DefaultMinSpeech       = 100 * time.Millisecond
)

// DefaultConfig returns tuning suitable for the bundled demo
// providers.
func DefaultConfig() Config {
	return Config{
		Voice:           "default",
		SynthesisRate:   DefaultSynthesisRate,
		SystemPrompt:    "You are a friendly phone agent. Keep every reply to one or two short spoken sentences.",
		HistoryWindow:   DefaultHistoryWindow,
		Temperature:     DefaultTemperature,
		MaxTokens:       DefaultMaxTokens,
		EnergyThreshold: DefaultEnergyThreshold,
		MinSpeech:       DefaultMinSpeech,
		FallbackLines: []string{
			"Sorry, I didn't catch that. Could you say it again?",
			"I'm having a little trouble hearing you. One more time?",
		},
	}
}

// MetricsSink receives pipeline observations. The metrics package's
// collector satisfies it; a nil sink disables reporting.
type MetricsSink interface {
	ObserveStage(stage string, millis float64, success bool)
	RecordBargeIn()
	RecordOutcome(outcome string)
}

// Deps are the collaborators an orchestrator coordinates. Gateway,
// Transcriber, Generator, Synthesizer, and Engine are required.
type Deps struct {
	Gateway     media.Gateway
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Engine      *dialog.Engine

	// Events receives pipeline events inline from call goroutines;
	// nil disables emission.
	Events EventSink

	// Metrics receives stage latencies, barge-ins, and outcomes; nil
	// disables reporting.
	Metrics MetricsSink

	// EndCall asks the owning transport to hang up a call. Invoked
	// when a conversation terminates or exhausts its error budget.
	// When nil the orchestrator just cancels its own processing.
	EndCall func(callID string, reason string)
}

// Orchestrator runs one voice pipeline per call: caller audio flows
// to transcription, end-of-turn triggers the conversation engine and
// response generation, and synthesized speech streams back through
// the media gateway. Calls are isolated; a fault in one never touches
// another.
type Orchestrator struct {
	config      Config
	gateway     media.Gateway
	transcriber Transcriber
	generator   Generator
	synthesizer Synthesizer
	engine      *dialog.Engine
	events      EventSink
	metrics     MetricsSink
	endCall     func(callID string, reason string)

	mu    sync.RWMutex
	calls map[string]*call
	wg    sync.WaitGroup
}

// call is one conversation's pipeline state. The run goroutine owns
// dialogState, dialogCtx, history, utterance, and fallbackIdx between
// awaitTurn points; mu covers everything shared with the pump and
// speak goroutines.
type call struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	turn  atomic.Int32

	detector *speechDetector
	sttIn    chan audio.Chunk

	dialogState  dialog.State
	dialogCtx    dialog.Context
	history      []Message
	utterance    []string
	fallbackIdx  int
	firstPartial time.Time

	mu          sync.Mutex
	voice       string
	turnCancel  context.CancelFunc
	turnDone    chan struct{}
	turnActive  bool
	interrupted bool
	latencies   []LatencyMetric
	sttDrops    uint64
}

func (c *call) State() CallState     { return CallState(c.state.Load()) }
func (c *call) setState(s CallState) { c.state.Store(int32(s)) }
func (c *call) speaking() bool       { return c.State() == CallSpeaking }
func (c *call) Turn() int            { return int(c.turn.Load()) }

func (c *call) Voice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// beginTurn arms a spoken turn's cancellation and interruption
// guards. Exactly one turn is armed at a time; endOfTurn awaits the
// previous one first.
func (c *call) beginTurn(cancel context.CancelFunc) chan struct{} {
	done := make(chan struct{})
	c.mu.Lock()
	c.turnCancel = cancel
	c.turnDone = done
	c.turnActive = true
	c.interrupted = false
	c.mu.Unlock()
	c.detector.Reset()
	return done
}

// endTurn disarms the turn and reports whether it was interrupted.
// Turn completion and barge-in race for the same lock, so exactly one
// of turn_complete or barge_in is emitted per turn.
func (c *call) endTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnActive = false
	return c.interrupted
}

// awaitTurn blocks until the in-flight spoken turn, if any, drains or
// is cancelled.
func (c *call) awaitTurn() {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// NewOrchestrator wires a voice pipeline around its collaborators.
//
// Parameters:
//   - deps: Gateway, providers, and engine; see Deps for optional fields
//   - config: Turn and barge-in tuning; zero fields take defaults
//
// Returns:
//   - *Orchestrator: Ready to attach calls
//   - error: A required collaborator is missing
func NewOrchestrator(deps Deps, config Config) (*Orchestrator, error) {
	switch {
	case deps.Gateway == nil:
		return nil, errors.New("pipeline requires a media gateway")
	case deps.Transcriber == nil:
		return nil, errors.New("pipeline requires a transcriber")
	case deps.Generator == nil:
		return nil, errors.New("pipeline requires a generator")
	case deps.Synthesizer == nil:
		return nil, errors.New("pipeline requires a synthesizer")
	case deps.Engine == nil:
		return nil, errors.New("pipeline requires a conversation engine")
	}

	if config.SynthesisRate <= 0 {
		config.SynthesisRate = DefaultSynthesisRate
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = DefaultEnergyThreshold
	}
	if config.MinSpeech <= 0 {
		config.MinSpeech = DefaultMinSpeech
	}

	logrus.WithFields(logrus.Fields{
		"function":         "NewOrchestrator",
		"synthesis_rate":   config.SynthesisRate,
		"energy_threshold": config.EnergyThreshold,
		"min_speech":       config.MinSpeech,
	}).Info("Creating voice pipeline orchestrator")

	return &Orchestrator{
		config:      config,
		gateway:     deps.Gateway,
		transcriber: deps.Transcriber,
		generator:   deps.Generator,
		synthesizer: deps.Synthesizer,
		engine:      deps.Engine,
		events:      deps.Events,
		metrics:     deps.Metrics,
		endCall:     deps.EndCall,
		calls:       make(map[string]*call),
	}, nil
}

// Attach starts a voice pipeline for an answered call. The gateway
// must already be managing the call's media. The pipeline runs until
// the conversation terminates, the transport ends the call, or Detach
// is called.
//
// Parameters:
//   - callID: Call to run a conversation for
//
// Returns:
//   - error: Unknown call, duplicate attach, or transcription failure
func (o *Orchestrator) Attach(callID string) error {
	queue, ok := o.gateway.AudioQueue(callID)
	if !ok {
		return fmt.Errorf("failed to attach pipeline: %w", media.ErrCallNotFound)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:          callID,
		ctx:         ctx,
		cancel:      cancel,
		detector:    newSpeechDetector(o.config.EnergyThreshold, o.config.MinSpeech),
		sttIn:       make(chan audio.Chunk, sttBuffer),
		voice:       o.config.Voice,
		dialogState: dialog.StateGreeting,
	}
	c.setState(CallConnecting)

	o.mu.Lock()
	if _, exists := o.calls[callID]; exists {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("pipeline already attached for call %s", callID)
	}
	o.calls[callID] = c
	o.mu.Unlock()

	transcripts, err := o.transcriber.Transcribe(ctx, c.sttIn)
	if err != nil {
		o.mu.Lock()
		delete(o.calls, callID)
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to start transcription: %w", err)
	}

	o.wg.Add(2)
	go o.pump(c, queue)
	go o.run(c, transcripts)

	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.Attach",
		"call_id":  callID,
	}).Info("Voice pipeline attached")
	return nil
}

// Detach stops a call's pipeline without waiting for its goroutines.
// Idempotent, and safe to invoke from transport callbacks.
func (o *Orchestrator) Detach(callID string) {
	o.mu.RLock()
	c, ok := o.calls[callID]
	o.mu.RUnlock()
	if !ok {
		return
	}
	c.cancel()
}

// Stop cancels every active pipeline and waits for their goroutines
// to drain. Call after the transports have stopped accepting calls.
func (o *Orchestrator) Stop() {
	o.mu.RLock()
	calls := make([]*call, 0, len(o.calls))
	for _, c := range o.calls {
		calls = append(calls, c)
	}
	o.mu.RUnlock()

	for _, c := range calls {
		c.cancel()
	}
	o.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.Stop",
		"calls":    len(calls),
	}).Info("Voice pipeline orchestrator stopped")
}

// SwitchVoice changes the synthesis voice for a call's subsequent
// turns. A turn already speaking finishes in the old voice.
//
// Parameters:
//   - callID: Target call
//   - voice: Provider voice identifier
//
// Returns:
//   - error: media.ErrCallNotFound when no pipeline is attached
func (o *Orchestrator) SwitchVoice(callID, voice string) error {
	o.mu.RLock()
	c, ok := o.calls[callID]
	o.mu.RUnlock()
	if !ok {
		return media.ErrCallNotFound
	}

	c.mu.Lock()
	c.voice = voice
	c.mu.Unlock()

	o.emit(Event{CallID: callID, Type: EventVoiceSwitched, Text: voice, Turn: c.Turn()})
	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.SwitchVoice",
		"call_id":  callID,
		"voice":    voice,
	}).Info("Synthesis voice switched")
	return nil
}

// ActiveCalls lists calls with a running pipeline.
func (o *Orchestrator) ActiveCalls() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	return ids
}

// State reports a call's pipeline state, false when the call is
// unknown or already finished.
func (o *Orchestrator) State(callID string) (CallState, bool) {
	o.mu.RLock()
	c, ok := o.calls[callID]
	o.mu.RUnlock()
	if !ok {
		return CallEnded, false
	}
	return c.State(), true
}

// Latencies returns a copy of a call's recorded stage durations.
// Available while the call is live; empty once it ends.
func (o *Orchestrator) Latencies(callID string) []LatencyMetric {
	o.mu.RLock()
	c, ok := o.calls[callID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LatencyMetric, len(c.latencies))
	copy(out, c.latencies)
	return out
}

// pump forwards caller audio from the gateway queue into the
// transcription stream and feeds the barge-in detector. Forwarding is
// non-blocking: when the transcriber falls behind, chunks are dropped
// so interruption detection never stalls behind a slow provider.
func (o *Orchestrator) pump(c *call, queue <-chan audio.Chunk) {
	defer o.wg.Done()
	defer close(c.sttIn)

	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk, ok := <-queue:
			if !ok {
				return
			}
			if c.speaking() && c.detector.Observe(chunk) {
				o.bargeIn(c, "energy")
			}
			select {
			case c.sttIn <- chunk:
			default:
				c.mu.Lock()
				c.sttDrops++
				drops := c.sttDrops
				c.mu.Unlock()
				if drops == 1 || drops%100 == 0 {
					logrus.WithFields(logrus.Fields{
						"function": "Orchestrator.pump",
						"call_id":  c.id,
						"dropped":  drops,
					}).Warn("Transcriber not keeping up, dropping caller audio")
				}
			}
		}
	}
}

// run is a call's conversation loop: consume transcript events,
// detect end-of-turn, and drive the dialog engine and providers. It
// owns the call's dialog state; the speak goroutine synchronizes with
// it through awaitTurn.
func (o *Orchestrator) run(c *call, transcripts <-chan TranscriptChunk) {
	defer o.wg.Done()
	defer o.finish(c)
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Orchestrator.run",
				"call_id":  c.id,
				"panic":    r,
			}).Error("Recovered pipeline panic, ending call")
			c.setState(CallError)
		}
	}()

	c.setState(CallActive)
	o.greet(c)

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-transcripts:
			if !ok {
				return
			}
			o.handleTranscript(c, ev)
		}
	}
}

// greet speaks the agent's opening line. A configured greeting goes
// out verbatim; otherwise the line is generated from the engine's
// opening instruction.
func (o *Orchestrator) greet(c *call) {
	turnStart := time.Now()
	text := o.config.Greeting
	if text == "" {
		c.setState(CallProcessing)
		text = o.generate(c, o.engine.OpeningInstruction())
	}
	if text == "" {
		c.setState(CallListening)
		return
	}

	c.history = append(c.history, Message{Role: RoleAssistant, Content: text})
	o.emit(Event{CallID: c.id, Type: EventResponse, Text: text, Turn: c.Turn()})
	o.speak(c, text, turnStart, false, "")
}

// handleTranscript routes one transcription event. An empty final
// chunk is the end-of-turn sentinel; everything else accumulates into
// the pending utterance. Transcribed speech while the agent is
// talking interrupts it, same as sustained energy.
func (o *Orchestrator) handleTranscript(c *call, ev TranscriptChunk) {
	text := strings.TrimSpace(ev.Text)
	if ev.Final && text == "" {
		o.endOfTurn(c)
		return
	}
	if text == "" {
		return
	}

	if len(c.utterance) == 0 {
		c.firstPartial = time.Now()
	}
	c.utterance = append(c.utterance, text)
	o.emit(Event{CallID: c.id, Type: EventTranscript, Text: text, Turn: c.Turn(), Final: ev.Final})

	if c.speaking() {
		o.bargeIn(c, "transcript")
	}
}

// endOfTurn runs one full conversation turn. The previous turn's
// speech is drained or cancelled first, so generation for turn N+1
// never overlaps synthesis for turn N.
func (o *Orchestrator) endOfTurn(c *call) {
	utterance := strings.Join(c.utterance, " ")
	c.utterance = c.utterance[:0]
	if !c.firstPartial.IsZero() {
		o.observe(c, ComponentTranscription, c.firstPartial, true)
		c.firstPartial = time.Time{}
	}
	if utterance == "" {
		return
	}

	c.awaitTurn()
	if c.ctx.Err() != nil {
		return
	}

	turnStart := time.Now()
	c.turn.Add(1)
	c.setState(CallProcessing)

	result := o.engine.Advance(c.dialogState, &c.dialogCtx, utterance)
	c.dialogState = result.State
	c.history = append(c.history, Message{Role: RoleUser, Content: utterance})

	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.endOfTurn",
		"call_id":  c.id,
		"turn":     c.Turn(),
		"intent":   result.Intent,
		"state":    result.State,
	}).Debug("Conversation advanced")

	response := o.generate(c, result.Instruction)
	c.history = append(c.history, Message{Role: RoleAssistant, Content: response})
	o.emit(Event{CallID: c.id, Type: EventResponse, Text: response, Turn: c.Turn()})

	terminal, reason := result.Terminated, ReasonComplete
	if c.dialogCtx.ErrorCount >= o.engine.MaxErrors() {
		terminal, reason = true, ReasonError
	}
	o.speak(c, response, turnStart, terminal, reason)
}

// generate streams one response from the generator and returns the
// full text. Provider failure or an empty result falls back to a
// canned line and counts against the call's error budget.
func (o *Orchestrator) generate(c *call, instruction string) string {
	start := time.Now()
	params := GenerationParams{
		Temperature: o.config.Temperature,
		MaxTokens:   o.config.MaxTokens,
	}

	tokens, err := o.generator.Generate(c.ctx, o.buildPrompt(c, instruction), params)
	var response strings.Builder
	if err == nil {
		for token := range tokens {
			response.WriteString(token)
		}
	}

	text := strings.TrimSpace(response.String())
	success := err == nil && text != ""
	o.observe(c, ComponentGeneration, start, success)
	if success {
		return text
	}

	c.dialogCtx.ErrorCount++
	logrus.WithFields(logrus.Fields{
		"function":    "Orchestrator.generate",
		"call_id":     c.id,
		"error":       err,
		"error_count": c.dialogCtx.ErrorCount,
	}).Warn("Generation failed, using fallback line")
	return o.fallback(c)
}

// fallback rotates through the configured degraded lines.
func (o *Orchestrator) fallback(c *call) string {
	lines := o.config.FallbackLines
	if len(lines) == 0 {
		return "Sorry, could you say that again?"
	}
	line := lines[c.fallbackIdx%len(lines)]
	c.fallbackIdx++
	return line
}

// buildPrompt assembles the bounded generation prompt: the system
// prompt plus the engine's current instruction, then the most recent
// history window.
func (o *Orchestrator) buildPrompt(c *call, instruction string) []Message {
	system := o.config.SystemPrompt
	if instruction != "" {
		if system != "" {
			system += "\n"
		}
		system += "Current goal: " + instruction
	}

	history := c.history
	if len(history) > o.config.HistoryWindow {
		history = history[len(history)-o.config.HistoryWindow:]
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	return append(messages, history...)
}

// speak streams one synthesized reply to the caller on its own
// goroutine so the run loop keeps consuming transcripts for barge-in.
// When terminal is true the call is hung up after the reply drains.
func (o *Orchestrator) speak(c *call, text string, turnStart time.Time, terminal bool, reason string) {
	turnCtx, cancelTurn := context.WithCancel(c.ctx)
	done := c.beginTurn(cancelTurn)
	c.setState(CallSpeaking)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)

		start := time.Now()
		chunks, err := o.synthesizer.Synthesize(turnCtx, SynthesisRequest{
			Text:       text,
			VoiceID:    c.Voice(),
			SampleRate: o.config.SynthesisRate,
		})
		if err != nil {
			o.observe(c, ComponentSynthesis, start, false)
			c.dialogCtx.ErrorCount++
			logrus.WithFields(logrus.Fields{
				"function":    "Orchestrator.speak",
				"call_id":     c.id,
				"error":       err,
				"error_count": c.dialogCtx.ErrorCount,
			}).Warn("Synthesis failed, ending turn silently")
			if c.dialogCtx.ErrorCount >= o.engine.MaxErrors() {
				terminal, reason = true, ReasonError
			}
		} else {
			forwarded := 0
			for chunk := range chunks {
				// A cancelled turn keeps draining so the provider can
				// wind down, but nothing more reaches the caller.
				if turnCtx.Err() != nil {
					continue
				}
				if sendErr := o.gateway.SendAudio(c.id, chunk); sendErr != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Orchestrator.speak",
						"call_id":  c.id,
						"error":    sendErr,
					}).Debug("Stopping playback forwarding")
					break
				}
				forwarded++
			}
			o.observe(c, ComponentSynthesis, start, true)
			logrus.WithFields(logrus.Fields{
				"function":  "Orchestrator.speak",
				"call_id":   c.id,
				"turn":      c.Turn(),
				"forwarded": forwarded,
			}).Debug("Reply playback finished")
		}
		cancelTurn()

		interrupted := c.endTurn()
		if !interrupted {
			o.observe(c, ComponentTurnTotal, turnStart, err == nil)
			o.emit(Event{CallID: c.id, Type: EventTurnComplete, Turn: c.Turn()})
		}

		switch {
		case terminal:
			o.hangup(c, reason)
		case !interrupted && c.ctx.Err() == nil:
			c.setState(CallListening)
		}
	}()
}

// bargeIn interrupts the agent at most once per spoken turn: cancel
// the in-flight synthesis, discard queued-but-unsent playback, emit
// one interruption event, and return to listening. The transcription
// stream is untouched so the interruption's content is captured.
func (o *Orchestrator) bargeIn(c *call, source string) {
	c.mu.Lock()
	if !c.turnActive || c.interrupted {
		c.mu.Unlock()
		return
	}
	c.interrupted = true
	cancelTurn := c.turnCancel
	c.mu.Unlock()

	cancelTurn()
	dropped := o.gateway.FlushOutbound(c.id)
	c.setState(CallListening)

	if o.metrics != nil {
		o.metrics.RecordBargeIn()
	}
	o.emit(Event{CallID: c.id, Type: EventBargeIn, Turn: c.Turn()})

	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.bargeIn",
		"call_id":  c.id,
		"source":   source,
		"turn":     c.Turn(),
		"dropped":  dropped,
	}).Info("Caller interrupted agent speech")
}

// hangup asks the transport to end the call. Outcome recording and
// detachment happen on the normal teardown path once the transport
// closes the media queue.
func (o *Orchestrator) hangup(c *call, reason string) {
	c.setState(CallEnding)
	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.hangup",
		"call_id":  c.id,
		"reason":   reason,
	}).Info("Conversation finished, hanging up")

	if o.endCall == nil {
		c.cancel()
		return
	}
	go o.endCall(c.id, reason)
}

// finish is a call's single teardown point, reached when the
// transcript stream closes or the call context is cancelled. Only the
// run goroutine calls it, exactly once.
func (o *Orchestrator) finish(c *call) {
	c.cancel()
	c.awaitTurn()
	if c.State() != CallError {
		c.setState(CallEnded)
	}

	outcome := o.engine.Outcome(c.dialogState, &c.dialogCtx)
	if c.State() == CallError {
		outcome = dialog.OutcomeError
	}
	if o.metrics != nil {
		o.metrics.RecordOutcome(string(outcome))
	}

	o.mu.Lock()
	delete(o.calls, c.id)
	o.mu.Unlock()

	c.mu.Lock()
	drops := c.sttDrops
	stages := len(c.latencies)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Orchestrator.finish",
		"call_id":   c.id,
		"outcome":   string(outcome),
		"turns":     c.Turn(),
		"stages":    stages,
		"stt_drops": drops,
	}).Info("Voice pipeline finished")
}

func (o *Orchestrator) emit(ev Event) {
	if o.events != nil {
		o.events(ev)
	}
}

// observe appends one stage duration to the call's latency log and
// forwards it to the metrics sink.
func (o *Orchestrator) observe(c *call, component string, start time.Time, success bool) {
	millis := float64(time.Since(start).Microseconds()) / 1000

	c.mu.Lock()
	c.latencies = append(c.latencies, LatencyMetric{
		Component: component,
		Millis:    millis,
		Turn:      c.Turn(),
		Success:   success,
	})
	c.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ObserveStage(component, millis, success)
	}
}
