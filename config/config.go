// Package config defines the typed configuration tree for the voice
// agent and its loading pipeline: documented defaults, an optional
// YAML file, DIALTONE_* environment overrides, then validation. No
// package consumes raw files or environment variables directly; the
// daemon loads one Config and hands the pieces out.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Signaling SignalingConfig `yaml:"signaling"`
	Media     MediaConfig     `yaml:"media"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Dialog    DialogConfig    `yaml:"dialog"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// SignalingConfig tunes the call-setup server and its media port pool.
type SignalingConfig struct {
	// ListenAddr is the UDP address answering signaling datagrams.
	ListenAddr string `yaml:"listen_addr"`

	// MediaHost is the IP advertised in SDP answers and bound for
	// per-call RTP sockets.
	MediaHost string `yaml:"media_host"`

	// MinMediaPort and MaxMediaPort bound the RTP port range. Ports are
	// allocated even-numbered, stepping by two.
	MinMediaPort int `yaml:"min_media_port"`
	MaxMediaPort int `yaml:"max_media_port"`

	// AnswerDelay is the pause between Ringing and the OK answer.
	AnswerDelay time.Duration `yaml:"answer_delay"`

	// RTPInactivity force-ends a call whose media has been silent this
	// long.
	RTPInactivity time.Duration `yaml:"rtp_inactivity"`

	// JitterDepth enables RTP reordering of up to this many pending
	// packets. Zero delivers in arrival order.
	JitterDepth int `yaml:"jitter_depth"`
}

// MediaConfig tunes the per-call media buffers shared by both
// transports.
type MediaConfig struct {
	// InboundRate is the sample rate caller audio is resampled to for
	// the transcription stage.
	InboundRate int `yaml:"inbound_rate"`

	// QueueCapacity bounds each call's inbound audio queue; overflow
	// drops the oldest chunk.
	QueueCapacity int `yaml:"queue_capacity"`

	// OutboundCapacity bounds each call's unsent playout frames.
	OutboundCapacity int `yaml:"outbound_capacity"`

	// FrameInterval paces telephony playout, one packet per tick.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// HeartbeatAfter is the receive silence that draws a WebSocket
	// heartbeat instead of a disconnect.
	HeartbeatAfter time.Duration `yaml:"heartbeat_after"`

	// RecordAudio accumulates raw caller audio per call for an
	// external recording collaborator.
	RecordAudio bool `yaml:"record_audio"`
}

// PipelineConfig tunes one call's voice pipeline: prompting, speech
// synthesis, and barge-in detection. The barge-in numbers are
// empirical tuning values, not structural constants, which is why
// they live here.
type PipelineConfig struct {
	// Voice is the synthesis voice identifier passed to the provider.
	Voice string `yaml:"voice"`

	// SynthesisRate is the sample rate requested from the synthesizer.
	SynthesisRate int `yaml:"synthesis_rate"`

	// SystemPrompt is the base system instruction for every response.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting, when set, is spoken verbatim when a call connects
	// instead of generating an opening line.
	Greeting string `yaml:"greeting"`

	// HistoryWindow bounds the prompt to the last N history messages.
	HistoryWindow int `yaml:"history_window"`

	// Temperature and MaxTokens are sampling settings tuned for spoken
	// brevity.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// EnergyThreshold is the normalized RMS level above which caller
	// audio counts as speech for barge-in.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// MinSpeech is how long caller audio must stay above the threshold
	// before the agent is interrupted.
	MinSpeech time.Duration `yaml:"min_speech"`

	// FallbackLines are degraded responses spoken when generation
	// fails mid-turn.
	FallbackLines []string `yaml:"fallback_lines"`
}

// DialogConfig bounds the conversation engine.
type DialogConfig struct {
	// MaxTurns ends the conversation after this many caller turns.
	MaxTurns int `yaml:"max_turns"`

	// MaxObjections forces a polite goodbye once the caller has
	// hesitated or objected this many times.
	MaxObjections int `yaml:"max_objections"`

	// MaxErrors is the provider failure count that turns the call
	// outcome into an error.
	MaxErrors int `yaml:"max_errors"`
}

// HTTPConfig addresses the daemon's HTTP surfaces.
type HTTPConfig struct {
	// ListenAddr serves the browser WebSocket transport.
	ListenAddr string `yaml:"listen_addr"`

	// WSPath is the WebSocket endpoint path.
	WSPath string `yaml:"ws_path"`

	// MetricsAddr serves the Prometheus endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig tunes logging output. Console and file sinks filter
// levels independently.
type LogConfig struct {
	// Level is the console sink's minimum level.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`

	// File enables a rotating log file at this path; empty disables
	// the file sink.
	File string `yaml:"file"`

	// FileLevel is the file sink's minimum level.
	FileLevel string `yaml:"file_level"`

	// MaxSizeMB and MaxBackups bound the rotating file.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

// Default returns the documented default configuration. Every loader
// path starts from these values.
func Default() Config {
	return Config{
		Signaling: SignalingConfig{
			ListenAddr:    "0.0.0.0:5060",
			MediaHost:     "127.0.0.1",
			MinMediaPort:  10000,
			MaxMediaPort:  20000,
			AnswerDelay:   500 * time.Millisecond,
			RTPInactivity: 30 * time.Second,
			JitterDepth:   0,
		},
		Media: MediaConfig{
			InboundRate:      16000,
			QueueCapacity:    100,
			OutboundCapacity: 500,
			FrameInterval:    20 * time.Millisecond,
			HeartbeatAfter:   30 * time.Second,
			RecordAudio:      false,
		},
		Pipeline: PipelineConfig{
			Voice:           "default",
			SynthesisRate:   16000,
			SystemPrompt:    "You are a friendly phone agent. Keep every reply to one or two short spoken sentences.",
			Greeting:        "",
			HistoryWindow:   10,
			Temperature:     0.3,
			MaxTokens:       80,
			EnergyThreshold: 0.05,
			MinSpeech:       100 * time.Millisecond,
			FallbackLines: []string{
				"Sorry, I didn't catch that. Could you say it again?",
				"I'm having a little trouble hearing you. One more time?",
			},
		},
		Dialog: DialogConfig{
			MaxTurns:      20,
			MaxObjections: 3,
			MaxErrors:     3,
		},
		HTTP: HTTPConfig{
			ListenAddr:  "0.0.0.0:8080",
			WSPath:      "/ws",
			MetricsAddr: "0.0.0.0:9090",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			FileLevel:  "debug",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (a missing file is fine when path is empty), then
// DIALTONE_* environment overrides, then validation.
//
// Parameters:
//   - path: YAML file path, or "" to skip file loading
//
// Returns:
//   - Config: The validated effective configuration
//   - error: File, parse, override, or validation failure
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"path":        path,
		"listen_addr": cfg.Signaling.ListenAddr,
		"http_addr":   cfg.HTTP.ListenAddr,
	}).Info("Configuration loaded")

	return cfg, nil
}

// applyEnv overrides config fields from DIALTONE_* environment
// variables. Unset variables leave the field alone; unparseable
// values are errors rather than silent fallbacks.
func applyEnv(c *Config) error {
	e := &envReader{}

	e.str("DIALTONE_SIGNALING_LISTEN_ADDR", &c.Signaling.ListenAddr)
	e.str("DIALTONE_SIGNALING_MEDIA_HOST", &c.Signaling.MediaHost)
	e.intVal("DIALTONE_SIGNALING_MIN_MEDIA_PORT", &c.Signaling.MinMediaPort)
	e.intVal("DIALTONE_SIGNALING_MAX_MEDIA_PORT", &c.Signaling.MaxMediaPort)
	e.duration("DIALTONE_SIGNALING_ANSWER_DELAY", &c.Signaling.AnswerDelay)
	e.duration("DIALTONE_SIGNALING_RTP_INACTIVITY", &c.Signaling.RTPInactivity)
	e.intVal("DIALTONE_SIGNALING_JITTER_DEPTH", &c.Signaling.JitterDepth)

	e.intVal("DIALTONE_MEDIA_INBOUND_RATE", &c.Media.InboundRate)
	e.intVal("DIALTONE_MEDIA_QUEUE_CAPACITY", &c.Media.QueueCapacity)
	e.intVal("DIALTONE_MEDIA_OUTBOUND_CAPACITY", &c.Media.OutboundCapacity)
	e.duration("DIALTONE_MEDIA_FRAME_INTERVAL", &c.Media.FrameInterval)
	e.duration("DIALTONE_MEDIA_HEARTBEAT_AFTER", &c.Media.HeartbeatAfter)
	e.boolVal("DIALTONE_MEDIA_RECORD_AUDIO", &c.Media.RecordAudio)

	e.str("DIALTONE_PIPELINE_VOICE", &c.Pipeline.Voice)
	e.intVal("DIALTONE_PIPELINE_SYNTHESIS_RATE", &c.Pipeline.SynthesisRate)
	e.str("DIALTONE_PIPELINE_SYSTEM_PROMPT", &c.Pipeline.SystemPrompt)
	e.str("DIALTONE_PIPELINE_GREETING", &c.Pipeline.Greeting)
	e.intVal("DIALTONE_PIPELINE_HISTORY_WINDOW", &c.Pipeline.HistoryWindow)
	e.floatVal("DIALTONE_PIPELINE_TEMPERATURE", &c.Pipeline.Temperature)
	e.intVal("DIALTONE_PIPELINE_MAX_TOKENS", &c.Pipeline.MaxTokens)
	e.floatVal("DIALTONE_PIPELINE_ENERGY_THRESHOLD", &c.Pipeline.EnergyThreshold)
	e.duration("DIALTONE_PIPELINE_MIN_SPEECH", &c.Pipeline.MinSpeech)

	e.intVal("DIALTONE_DIALOG_MAX_TURNS", &c.Dialog.MaxTurns)
	e.intVal("DIALTONE_DIALOG_MAX_OBJECTIONS", &c.Dialog.MaxObjections)
	e.intVal("DIALTONE_DIALOG_MAX_ERRORS", &c.Dialog.MaxErrors)

	e.str("DIALTONE_HTTP_LISTEN_ADDR", &c.HTTP.ListenAddr)
	e.str("DIALTONE_HTTP_WS_PATH", &c.HTTP.WSPath)
	e.str("DIALTONE_HTTP_METRICS_ADDR", &c.HTTP.MetricsAddr)

	e.str("DIALTONE_LOG_LEVEL", &c.Log.Level)
	e.str("DIALTONE_LOG_FORMAT", &c.Log.Format)
	e.str("DIALTONE_LOG_FILE", &c.Log.File)
	e.str("DIALTONE_LOG_FILE_LEVEL", &c.Log.FileLevel)
	e.intVal("DIALTONE_LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB)
	e.intVal("DIALTONE_LOG_MAX_BACKUPS", &c.Log.MaxBackups)

	return e.err()
}

// envReader applies typed environment overrides, collecting parse
// failures instead of stopping at the first one.
type envReader struct {
	errs []string
}

func (e *envReader) str(key string, target *string) {
	if value, ok := os.LookupEnv(key); ok {
		*target = value
	}
}

func (e *envReader) intVal(key string, target *int) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*target = parsed
}

func (e *envReader) floatVal(key string, target *float64) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*target = parsed
}

func (e *envReader) boolVal(key string, target *bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*target = parsed
}

func (e *envReader) duration(key string, target *time.Duration) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*target = parsed
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("environment overrides failed: %s", strings.Join(e.errs, "; "))
}

// Validate checks the configuration for values no component can run
// with, collecting every violation into one error.
func (c *Config) Validate() error {
	var errs []string

	if c.Signaling.ListenAddr == "" {
		errs = append(errs, "signaling.listen_addr must be set")
	}
	if c.Signaling.MinMediaPort <= 0 || c.Signaling.MinMediaPort > 65535 {
		errs = append(errs, "signaling.min_media_port out of range")
	}
	if c.Signaling.MaxMediaPort <= 0 || c.Signaling.MaxMediaPort > 65535 {
		errs = append(errs, "signaling.max_media_port out of range")
	}
	if c.Signaling.MinMediaPort >= c.Signaling.MaxMediaPort {
		errs = append(errs, "signaling.min_media_port must be below max_media_port")
	}
	if c.Signaling.AnswerDelay < 0 {
		errs = append(errs, "signaling.answer_delay cannot be negative")
	}
	if c.Signaling.RTPInactivity <= 0 {
		errs = append(errs, "signaling.rtp_inactivity must be positive")
	}

	if c.Media.InboundRate <= 0 {
		errs = append(errs, "media.inbound_rate must be positive")
	}
	if c.Media.QueueCapacity <= 0 {
		errs = append(errs, "media.queue_capacity must be positive")
	}
	if c.Media.FrameInterval <= 0 {
		errs = append(errs, "media.frame_interval must be positive")
	}

	if c.Pipeline.SynthesisRate <= 0 {
		errs = append(errs, "pipeline.synthesis_rate must be positive")
	}
	if c.Pipeline.HistoryWindow <= 0 {
		errs = append(errs, "pipeline.history_window must be positive")
	}
	if c.Pipeline.Temperature < 0 || c.Pipeline.Temperature > 2 {
		errs = append(errs, "pipeline.temperature must be between 0 and 2")
	}
	if c.Pipeline.MaxTokens <= 0 {
		errs = append(errs, "pipeline.max_tokens must be positive")
	}
	if c.Pipeline.EnergyThreshold <= 0 || c.Pipeline.EnergyThreshold >= 1 {
		errs = append(errs, "pipeline.energy_threshold must be between 0 and 1")
	}
	if c.Pipeline.MinSpeech <= 0 {
		errs = append(errs, "pipeline.min_speech must be positive")
	}

	if c.Dialog.MaxTurns <= 0 {
		errs = append(errs, "dialog.max_turns must be positive")
	}
	if c.Dialog.MaxObjections <= 0 {
		errs = append(errs, "dialog.max_objections must be positive")
	}
	if c.Dialog.MaxErrors <= 0 {
		errs = append(errs, "dialog.max_errors must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Log.File != "" {
		if _, err := logrus.ParseLevel(c.Log.FileLevel); err != nil {
			errs = append(errs, fmt.Sprintf("log.file_level: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
