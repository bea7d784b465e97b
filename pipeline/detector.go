package pipeline

import (
	"sync"
	"time"

	"github.com/opd-ai/dialtone/audio"
)

// speechDetector decides when caller audio counts as deliberate
// speech: normalized RMS energy must stay above the threshold for a
// minimum stretch of audio. Time is measured in chunk durations, so
// detection latency does not depend on wall-clock scheduling.
//
// One detector serves one call. Observe and Reset may be called from
// different goroutines.
type speechDetector struct {
	threshold float64
	minSpeech time.Duration

	mu     sync.Mutex
	voiced time.Duration
}

func newSpeechDetector(threshold float64, minSpeech time.Duration) *speechDetector {
	return &speechDetector{
		threshold: threshold,
		minSpeech: minSpeech,
	}
}

// Observe feeds one caller chunk and reports whether sustained speech
// has accumulated since the last Reset. Silence resets the
// accumulator, so isolated pops and line noise never trigger.
func (d *speechDetector) Observe(chunk audio.Chunk) bool {
	samples := audio.BytesToInt16(chunk.Data)
	if len(samples) == 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if audio.RMS(samples) >= d.threshold {
		d.voiced += chunk.Duration()
	} else {
		d.voiced = 0
	}
	return d.voiced >= d.minSpeech
}

// Reset clears accumulated speech. Called when the agent starts a new
// spoken turn so each turn needs fresh evidence of interruption.
func (d *speechDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voiced = 0
}
