package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	TaskEvents        *prometheus.CounterVec
	SentenceEvents    *prometheus.CounterVec
	SynthesisLatency  prometheus.Histogram
	ASREvents         *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open chat websocket connections.",
		}),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Generation task lifecycle events by type.",
		}, []string{"event"}),
		SentenceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentence_events_total",
			Help:      "Synchronized channel sentence events by type.",
		}, []string{"event"}),
		SynthesisLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Latency of per-sentence speech synthesis in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 800, 1200, 2000, 5000, 10000},
		}),
		ASREvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_events_total",
			Help:      "Recognition gateway events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveTask(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSentence(event string) {
	if m == nil {
		return
	}
	m.SentenceEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSynthesis(d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveASR(event string) {
	if m == nil {
		return
	}
	m.ASREvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
