// Package metrics exposes the Prometheus collectors behind the
// pipeline's per-call latency records and the gateways' flow counters.
// Everything here is observational; no component reads a metric back
// to make a decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Namespace prefixes every metric this package registers.
const Namespace = "dialtone"

// Pipeline stage names used as the stage label. The pipeline records
// one observation per stage per turn.
const (
	StageTranscription = "transcription"
	StageGeneration    = "generation"
	StageSynthesis     = "synthesis"
	StageTurnTotal     = "turn_total"
)

// Drop reasons used as the reason label on the dropped-chunks counter.
const (
	DropInvalid  = "invalid"
	DropOverflow = "overflow"
)

// Collector owns the process's call and pipeline metrics. Construct
// one per process and share it; registration happens once in the
// constructor.
type Collector struct {
	stageLatency  *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	callsStarted  *prometheus.CounterVec
	callsEnded    *prometheus.CounterVec
	activeCalls   prometheus.Gauge
	outcomes      *prometheus.CounterVec
	bargeIns      prometheus.Counter
	droppedChunks *prometheus.CounterVec
}

// NewCollector creates and registers the collectors on reg. Passing
// nil registers on the default registry; tests pass their own registry
// so repeated construction cannot collide.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		stageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "stage_latency_milliseconds",
				Help:      "Per-turn latency of each pipeline stage",
				Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
			},
			[]string{"stage"},
		),
		stageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "stage_failures_total",
				Help:      "Provider failures per pipeline stage",
			},
			[]string{"stage"},
		),
		callsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "calls_started_total",
				Help:      "Calls answered, by transport",
			},
			[]string{"transport"},
		),
		callsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "calls_ended_total",
				Help:      "Calls ended, by transport and reason",
			},
			[]string{"transport", "reason"},
		),
		activeCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_calls",
				Help:      "Calls currently live",
			},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "conversation_outcomes_total",
				Help:      "Terminal conversation outcomes",
			},
			[]string{"outcome"},
		),
		bargeIns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "barge_ins_total",
				Help:      "Caller interruptions that cancelled agent speech",
			},
		),
		droppedChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dropped_chunks_total",
				Help:      "Audio chunks dropped by validation or queue overflow",
			},
			[]string{"reason"},
		),
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewCollector",
		"namespace": Namespace,
	}).Debug("Registered metrics collectors")

	return c
}

// ObserveStage records one pipeline stage duration. Failed stages
// count separately and still observe their latency, so slow failures
// stay visible in the histogram.
func (c *Collector) ObserveStage(stage string, millis float64, success bool) {
	c.stageLatency.WithLabelValues(stage).Observe(millis)
	if !success {
		c.stageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordBargeIn counts one caller interruption.
func (c *Collector) RecordBargeIn() {
	c.bargeIns.Inc()
}

// RecordOutcome counts one terminal conversation outcome.
func (c *Collector) RecordOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

// CallStarted counts an answered call and raises the active gauge.
func (c *Collector) CallStarted(transport string) {
	c.callsStarted.WithLabelValues(transport).Inc()
	c.activeCalls.Inc()
}

// CallEnded counts a finished call and lowers the active gauge.
func (c *Collector) CallEnded(transport, reason string) {
	c.callsEnded.WithLabelValues(transport, reason).Inc()
	c.activeCalls.Dec()
}

// RecordDrops adds n dropped chunks under the given reason. The
// gateways report their final per-call counters through this at call
// end.
func (c *Collector) RecordDrops(reason string, n uint64) {
	if n == 0 {
		return
	}
	c.droppedChunks.WithLabelValues(reason).Add(float64(n))
}
