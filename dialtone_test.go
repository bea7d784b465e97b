package dialtone

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dialtone/media"
	"github.com/opd-ai/dialtone/metrics"
	"github.com/opd-ai/dialtone/pipeline"
	"github.com/opd-ai/dialtone/pipeline/static"
)

// testOptions returns options wired with the bundled static providers
// and a fresh metrics registry.
func testOptions() (*Options, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	options := NewOptions()
	options.Config.Pipeline.Greeting = "Hello, thanks for calling."
	options.Transcriber = static.NewScriptTranscriber([]string{"yes please"}, 100*time.Millisecond)
	options.Generator = static.NewTemplateGenerator(nil, "Happy to help with that.")
	options.Synthesizer = static.NewToneSynthesizer(static.ToneConfig{})
	options.Metrics = metrics.NewCollector(reg)
	return options, reg
}

// eventLog is a threadsafe pipeline event recorder.
type eventLog struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (l *eventLog) sink(ev pipeline.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(eventType pipeline.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func TestNewRequiresProviders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no transcriber", func(o *Options) { o.Transcriber = nil }},
		{"no generator", func(o *Options) { o.Generator = nil }},
		{"no synthesizer", func(o *Options) { o.Synthesizer = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options, _ := testOptions()
			tt.mutate(options)

			srv, err := New(options)
			assert.Error(t, err)
			assert.Nil(t, srv)
		})
	}

	t.Run("nil options", func(t *testing.T) {
		srv, err := New(nil)
		assert.Error(t, err)
		assert.Nil(t, srv)
	})
}

func TestNewAssemblesServer(t *testing.T) {
	options, _ := testOptions()
	srv, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop() })

	assert.NotNil(t, srv.WSHandler())
	assert.Empty(t, srv.ActiveCalls())
	assert.False(t, srv.Hangup("no-such-call"))
	assert.ErrorIs(t, srv.SwitchVoice("no-such-call", "alto"), media.ErrCallNotFound)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "stop must be idempotent")
}

// startBrowserServer assembles a server and exposes its WebSocket
// handler on a test listener. The signaling socket is never bound.
func startBrowserServer(t *testing.T, options *Options) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(options)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.WSHandler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
	})
	return srv, ts
}

func dialBrowser(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readControlsUntil collects control messages, skipping interleaved
// binary audio, until stop returns true for one of them.
func readControlsUntil(t *testing.T, conn *websocket.Conn, stop func(media.ControlMessage) bool) []media.ControlMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var seen []media.ControlMessage
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err, "connection closed before the expected control message")
		if messageType != websocket.TextMessage {
			continue
		}
		var msg media.ControlMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		seen = append(seen, msg)
		if stop(msg) {
			return seen
		}
	}
}

func TestBrowserCallEndToEnd(t *testing.T) {
	options, reg := testOptions()
	log := &eventLog{}
	options.Events = log.sink

	srv, ts := startBrowserServer(t, options)
	conn := dialBrowser(t, ts)

	require.NoError(t, conn.WriteJSON(media.ControlMessage{Type: media.TypeConfig, SampleRate: 16000}))

	// Greeting: ready, then the verbatim opening line, then the spoken
	// turn completing. Binary tone audio interleaves throughout.
	greeting := readControlsUntil(t, conn, func(msg media.ControlMessage) bool {
		return msg.Type == media.TypeTurnComplete && msg.Turn == 0
	})
	require.Equal(t, media.TypeReady, greeting[0].Type)
	callID := greeting[0].CallID
	require.NotEmpty(t, callID)
	require.Contains(t, srv.ActiveCalls(), callID)

	responses := controlsOfType(greeting, media.TypeLLMResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "Hello, thanks for calling.", responses[0].Text)
	assert.Equal(t, 0, responses[0].Turn)

	// The caller speaks: 200ms of audio drives the scripted utterance
	// through transcription and one full conversation turn.
	silence := make([]byte, 640)
	for i := 0; i < 10; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, silence))
	}

	turn := readControlsUntil(t, conn, func(msg media.ControlMessage) bool {
		return msg.Type == media.TypeTurnComplete && msg.Turn == 1
	})

	transcripts := controlsOfType(turn, media.TypeTranscript)
	require.Len(t, transcripts, 2)
	assert.Equal(t, "yes", transcripts[0].Text)
	assert.Equal(t, "please", transcripts[1].Text)

	replies := controlsOfType(turn, media.TypeLLMResponse)
	require.Len(t, replies, 1)
	assert.Equal(t, 1, replies[0].Turn)
	assert.NotEmpty(t, replies[0].Text)

	// Mid-call voice switch comes back as a control message.
	require.NoError(t, srv.SwitchVoice(callID, "alto"))
	switched := readControlsUntil(t, conn, func(msg media.ControlMessage) bool {
		return msg.Type == media.TypeVoiceSwitched
	})
	assert.Equal(t, "alto", switched[len(switched)-1].Voice)

	// Client hangs up; the pipeline drains and the outcome is recorded.
	require.NoError(t, conn.WriteJSON(media.ControlMessage{Type: media.TypeEndCall}))

	assert.Eventually(t, func() bool {
		return len(srv.ActiveCalls()) == 0
	}, 5*time.Second, 10*time.Millisecond, "call never drained")

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "dialtone_conversation_outcomes_total")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond, "outcome never recorded")

	started, err := testutil.GatherAndCount(reg, "dialtone_calls_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	ended, err := testutil.GatherAndCount(reg, "dialtone_calls_ended_total")
	require.NoError(t, err)
	assert.Equal(t, 1, ended)

	assert.Greater(t, log.count(pipeline.EventTranscript), 0)
	assert.Greater(t, log.count(pipeline.EventResponse), 0)
	assert.Equal(t, 1, log.count(pipeline.EventVoiceSwitched))
}

func controlsOfType(msgs []media.ControlMessage, msgType string) []media.ControlMessage {
	var out []media.ControlMessage
	for _, msg := range msgs {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestControlForMapsEvents(t *testing.T) {
	tests := []struct {
		name    string
		event   pipeline.Event
		want    media.ControlMessage
		bridged bool
	}{
		{
			name:    "transcript",
			event:   pipeline.Event{Type: pipeline.EventTranscript, Text: "hello", Turn: 2, Final: true},
			want:    media.ControlMessage{Type: media.TypeTranscript, Text: "hello", Final: true, Turn: 2},
			bridged: true,
		},
		{
			name:    "response",
			event:   pipeline.Event{Type: pipeline.EventResponse, Text: "hi there", Turn: 2},
			want:    media.ControlMessage{Type: media.TypeLLMResponse, Text: "hi there", Turn: 2},
			bridged: true,
		},
		{
			name:    "turn complete",
			event:   pipeline.Event{Type: pipeline.EventTurnComplete, Turn: 3},
			want:    media.ControlMessage{Type: media.TypeTurnComplete, Turn: 3},
			bridged: true,
		},
		{
			name:    "barge in",
			event:   pipeline.Event{Type: pipeline.EventBargeIn, Turn: 3},
			want:    media.ControlMessage{Type: media.TypeBargeIn, Turn: 3},
			bridged: true,
		},
		{
			name:    "voice switched carries the voice",
			event:   pipeline.Event{Type: pipeline.EventVoiceSwitched, Text: "alto", Turn: 1},
			want:    media.ControlMessage{Type: media.TypeVoiceSwitched, Voice: "alto", Turn: 1},
			bridged: true,
		},
		{
			name:    "unknown types stay server-side",
			event:   pipeline.Event{Type: pipeline.EventType("internal")},
			bridged: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := controlFor(tt.event)
			require.Equal(t, tt.bridged, ok)
			if tt.bridged {
				assert.Equal(t, tt.want, msg)
			}
		})
	}
}
