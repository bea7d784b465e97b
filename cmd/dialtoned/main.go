// Command dialtoned runs the dialtone voice agent daemon: a signaling
// server answering telephony calls over UDP, a WebSocket endpoint for
// browser calls, and a Prometheus metrics listener. The daemon wires
// the deterministic in-process providers from pipeline/static, so it
// holds complete demo conversations with no external services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/dialtone"
	"github.com/opd-ai/dialtone/config"
	"github.com/opd-ai/dialtone/metrics"
	"github.com/opd-ai/dialtone/pipeline/static"
)

// shutdownGrace bounds how long a draining HTTP listener may hold the
// daemon after a stop signal.
const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file (empty uses built-in defaults)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dialtoned: %v\n", err)
		os.Exit(1)
	}
}

// run assembles and supervises the daemon until a stop signal or a
// listener failure.
//
// Parameters:
//   - configPath: YAML configuration path, or "" for defaults
//
// Returns:
//   - error: Configuration, startup, or listener failure
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	defer closeLogging()

	collector := metrics.NewCollector(nil)

	server, err := dialtone.New(&dialtone.Options{
		Config:      cfg,
		Transcriber: demoTranscriber(),
		Generator:   demoGenerator(),
		Synthesizer: demoSynthesizer(),
		Metrics:     collector,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start signaling: %w", err)
	}
	defer server.Stop()

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.HTTP.ListenAddr != "" {
		wsPath := cfg.HTTP.WSPath
		if wsPath == "" {
			wsPath = "/ws"
		}
		wsMux := http.NewServeMux()
		wsMux.Handle(wsPath, server.WSHandler())
		wsServer := &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           wsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			return serveHTTP(groupCtx, "websocket", wsServer)
		})
	}

	if cfg.HTTP.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.HTTP.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			return serveHTTP(groupCtx, "metrics", metricsServer)
		})
	}

	logrus.WithFields(logrus.Fields{
		"function":       "run",
		"signaling_addr": cfg.Signaling.ListenAddr,
		"http_addr":      cfg.HTTP.ListenAddr,
		"ws_path":        cfg.HTTP.WSPath,
		"metrics_addr":   cfg.HTTP.MetricsAddr,
	}).Info("Dialtone daemon running")

	return group.Wait()
}

// setupSignalHandling cancels the daemon context on the first
// interrupt or termination signal.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"function": "setupSignalHandling",
			"signal":   sig.String(),
		}).Info("Shutdown signal received")
		cancel()
	}()
}

// serveHTTP runs one HTTP listener until it fails or ctx is cancelled,
// then drains it within the shutdown grace period. A clean shutdown
// returns nil so the supervising group only fails on real listener
// errors.
func serveHTTP(ctx context.Context, name string, srv *http.Server) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveHTTP",
			"listener": name,
			"error":    err,
		}).Warn("Listener did not drain cleanly")
	}
	<-errChan
	return nil
}

// demoTranscriber scripts the caller's half of a short qualification
// conversation. Each line is "heard" after a couple seconds of caller
// audio, which makes the demo interactive over either transport.
func demoTranscriber() *static.ScriptTranscriber {
	return static.NewScriptTranscriber([]string{
		"yes this is me speaking",
		"sure go ahead",
		"hmm I am not sure we need that",
		"okay yes that sounds fair",
		"yes let's do it",
	}, 0)
}

// demoGenerator maps the conversation engine's reply instructions to
// canned agent lines. Keys are instruction fragments; the longest
// match wins.
func demoGenerator() *static.TemplateGenerator {
	return static.NewTemplateGenerator(map[string]string{
		"Greet the caller":                 "Hi, this is Alex calling from Dialtone about your phone service. Do you have a quick minute?",
		"Introduce yourself":               "Sorry, let me start over. I'm Alex from Dialtone, calling about your phone service.",
		"first qualification question":     "Great, thanks. Are you the person who looks after the phone bill?",
		"next qualification question":      "Good to know. Roughly how many lines does your team use today?",
		"worth a minute":                   "I hear you. It takes one minute and most teams end up saving real money.",
		"main concern":                     "That makes sense. What is the biggest concern on your side?",
		"common doubts":                    "Fair question. There is no contract change and the switch takes a day.",
		"concrete next step":               "Wonderful. I will email a short summary and book a ten minute review for Thursday. Sound good?",
		"confirmation of the next step":    "Just to confirm, I will send the summary and we talk Thursday. Okay?",
		"Confirm the agreed next step":     "Perfect, that is booked. Thanks so much, and talk on Thursday!",
		"transferring them to a colleague": "Of course, one moment while I connect you with a colleague.",
		"call back":                        "No problem at all. I will try you again tomorrow afternoon. Have a good day!",
		"say goodbye politely":             "Thanks so much for your time today. Have a great day!",
		"thank them for their time":        "Completely understood. Thanks for your time, and take care!",
	}, "")
}

// demoSynthesizer renders agent lines as paced tones so a listener
// has speech to talk over. Each voice gets its own pitch, which makes
// mid-call voice switches audible.
func demoSynthesizer() *static.ToneSynthesizer {
	return static.NewToneSynthesizer(static.ToneConfig{
		PaceRealTime: true,
		Voices: map[string]float64{
			"default": 440,
			"alto":    330,
			"bass":    220,
		},
	})
}
