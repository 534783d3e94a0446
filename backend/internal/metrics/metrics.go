// Package metrics holds the Prometheus collectors of the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently bridged",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of calls by end reason",
		},
		[]string{"reason"},
	)

	utterancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total number of finalized caller utterances",
		},
	)

	transcriptionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Duration of transcription calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 15},
		},
		[]string{"status"}, // ok, empty, error
	)

	turnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_submitted_total",
			Help:      "Total number of user turns sent to the conversational backend",
		},
	)

	backendEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_events_total",
			Help:      "Conversational backend connection events",
		},
		[]string{"event"}, // dialed, ready, dial_error, error, closed
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"tool"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"}, // ok, error
	)

	outboundFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Bot audio frames by outcome",
		},
		[]string{"outcome"}, // sent, dropped
	)

	bargeInsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Times the caller interrupted queued bot audio",
		},
	)
)

var allMetrics = []prometheus.Collector{
	sessionsActive,
	sessionsTotal,
	utterancesTotal,
	transcriptionDuration,
	turnsTotal,
	backendEventsTotal,
	toolCallDuration,
	toolCallsTotal,
	outboundFramesTotal,
	bargeInsTotal,
}

// NewRegistry returns a registry holding the bridge collectors plus Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func SessionStarted() { sessionsActive.Inc() }

// SessionEnded records a finished call. reason is stop, transport_error or shutdown.
func SessionEnded(reason string) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(reason).Inc()
}

func UtteranceFinalized() { utterancesTotal.Inc() }

func Transcription(status string, d time.Duration) {
	transcriptionDuration.WithLabelValues(status).Observe(d.Seconds())
}

func TurnSubmitted() { turnsTotal.Inc() }

func BackendEvent(event string) { backendEventsTotal.WithLabelValues(event).Inc() }

func ToolCall(tool string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

func OutboundFrames(sent, dropped int) {
	if sent > 0 {
		outboundFramesTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if dropped > 0 {
		outboundFramesTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func BargeIn() { bargeInsTotal.Inc() }
