package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	ProxyFailures   *prometheus.CounterVec
	PreloadFetches  *prometheus.CounterVec
	InboundThrottle prometheus.Counter
	StageLatency    *prometheus.HistogramVec

	stages *stageWindow
}

// NewMetrics registers the instruments with reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live realtime proxy sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Relayed websocket messages by direction and event type.",
		}, []string{"direction", "type"}),
		ProxyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_failures_total",
			Help:      "Terminal proxy failures by error code.",
		}, []string{"code"}),
		PreloadFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_fetches_total",
			Help:      "Preload fetches by artifact and outcome.",
		}, []string{"artifact", "outcome"}),
		InboundThrottle: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_throttled_total",
			Help:      "Client frames delayed by the inbound rate limiter.",
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Session setup stage latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}, []string{"stage"}),
		stages: newStageWindow(256),
	}
}

// ObserveStage records a setup stage latency in both the histogram and the
// rolling window served by /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveMessage(direction, eventType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) ObserveFailure(code string) {
	if m == nil {
		return
	}
	m.ProxyFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.InboundThrottle.Inc()
}

// PreloadFetched implements preload.Recorder.
func (m *Metrics) PreloadFetched(artifact string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.PreloadFetches.WithLabelValues(artifact, outcome).Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
