// Package static ships deterministic in-process providers for the
// demo daemon and tests: a scripted transcriber, a template
// generator, and a tone synthesizer. They satisfy the pipeline's
// provider contracts without any network dependency.
package static

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dialtone/audio"
	"github.com/opd-ai/dialtone/pipeline"
)

// DefaultUtteranceAfter is how much caller audio the scripted
// transcriber consumes before it produces the next line.
const DefaultUtteranceAfter = 2 * time.Second

// ScriptTranscriber plays a fixed list of caller utterances. Every
// time enough audio has flowed in, it emits the next line word by
// word as partial events, then the empty-final end-of-turn sentinel.
// Once the script runs out it keeps consuming audio silently.
type ScriptTranscriber struct {
	lines          []string
	utteranceAfter time.Duration
}

// NewScriptTranscriber creates a transcriber that "hears" the given
// lines in order. utteranceAfter <= 0 takes the default.
func NewScriptTranscriber(lines []string, utteranceAfter time.Duration) *ScriptTranscriber {
	if utteranceAfter <= 0 {
		utteranceAfter = DefaultUtteranceAfter
	}
	return &ScriptTranscriber{
		lines:          lines,
		utteranceAfter: utteranceAfter,
	}
}

// Transcribe consumes audioIn until it closes or ctx is cancelled,
// emitting scripted transcript events paced by audio duration.
func (t *ScriptTranscriber) Transcribe(ctx context.Context, audioIn <-chan audio.Chunk) (<-chan pipeline.TranscriptChunk, error) {
	out := make(chan pipeline.TranscriptChunk, 16)

	go func() {
		defer close(out)

		var heard time.Duration
		next := 0
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-audioIn:
				if !ok {
					return
				}
				heard += chunk.Duration()
				if heard < t.utteranceAfter || next >= len(t.lines) {
					continue
				}
				heard = 0

				line := t.lines[next]
				next++
				logrus.WithFields(logrus.Fields{
					"function": "ScriptTranscriber.Transcribe",
					"line":     line,
				}).Debug("Emitting scripted utterance")

				for _, word := range strings.Fields(line) {
					if !emit(ctx, out, pipeline.TranscriptChunk{Text: word, Confidence: 1}) {
						return
					}
				}
				if !emit(ctx, out, pipeline.TranscriptChunk{Final: true}) {
					return
				}
			}
		}
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- pipeline.TranscriptChunk, ev pipeline.TranscriptChunk) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
