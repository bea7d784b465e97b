// Package pipeline implements the voice pipeline orchestrator: one
// goroutine per call pumping caller audio through transcription, the
// conversation engine, response generation, and speech synthesis,
// with sub-second barge-in cancellation when the caller interrupts.
package pipeline

import (
	"context"

	"github.com/opd-ai/dialtone/audio"
)

// TranscriptChunk is one event from a transcription stream. An empty
// final chunk is the sentinel for "the caller stopped talking".
type TranscriptChunk struct {
	Text       string
	Final      bool
	Confidence float64
}

// Message is one entry of the conversation history handed to the
// generator.
type Message struct {
	Role    string
	Content string
}

// Generation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerationParams are the sampling settings for one response,
// tuned for spoken brevity rather than prose.
type GenerationParams struct {
	Temperature   float64
	MaxTokens     int
	StopSequences []string
}

// SynthesisRequest asks for one utterance of agent speech.
type SynthesisRequest struct {
	Text       string
	VoiceID    string
	SampleRate int
}

// Transcriber converts a stream of caller audio into transcript
// events. The returned channel closes when the audio channel closes
// or ctx is cancelled. Events arrive in emission order.
type Transcriber interface {
	Transcribe(ctx context.Context, audioIn <-chan audio.Chunk) (<-chan TranscriptChunk, error)
}

// Generator streams response tokens for a message history. The
// channel closes after the last token or on ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, messages []Message, params GenerationParams) (<-chan string, error)
}

// Synthesizer streams synthesized speech for one piece of text. The
// channel closes after the last chunk or on ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, request SynthesisRequest) (<-chan audio.Chunk, error)
}

// LatencyMetric is one observed stage duration, kept per call for
// post-call analysis. Observational only: nothing reads it back for
// correctness.
type LatencyMetric struct {
	Component string
	Millis    float64
	Turn      int
	Success   bool
}

// EventType labels the pipeline events surfaced to transports and
// dashboards.
type EventType string

const (
	EventTranscript    EventType = "transcript"
	EventResponse      EventType = "llm_response"
	EventTurnComplete  EventType = "turn_complete"
	EventBargeIn       EventType = "barge_in"
	EventVoiceSwitched EventType = "voice_switched"
)

// Event is one observable pipeline moment for a call.
type Event struct {
	CallID string
	Type   EventType
	Text   string
	Turn   int
	Final  bool
}

// EventSink receives pipeline events. Sinks must be fast; they are
// invoked from the call's run loop.
type EventSink func(Event)
