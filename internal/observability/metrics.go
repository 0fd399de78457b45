package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection stages tracked in the latency window.
const (
	StageCredential    = "credential"
	StageNegotiate     = "negotiate"
	StageConnectTotal  = "connect_total"
	StageFirstResponse = "first_response"
)

// Metrics groups all Prometheus instruments used by the service. Methods
// are safe on a nil receiver.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
	ChannelEvents     *prometheus.CounterVec
	ConnectErrors     *prometheus.CounterVec
	RemoteErrors      *prometheus.CounterVec
	StageLatency      *prometheus.HistogramVec
	UsageCost         prometheus.Counter
	NotificationsSent *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of hosted realtime sessions.",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by source and target state.",
		}, []string{"from", "to"}),
		ChannelEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_channel_events_total",
			Help:      "Data channel events by direction and type.",
		}, []string{"direction", "type"}),
		ConnectErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Failed connection attempts by error kind.",
		}, []string{"kind"}),
		RemoteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "Error events reported by the realtime endpoint, by type.",
		}, []string{"type"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_stage_latency_ms",
			Help:      "Connection stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),
		UsageCost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cost_usd_total",
			Help:      "Accumulated metered cost across sessions in USD.",
		}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Consumer notifications by sink and type.",
		}, []string{"sink", "type"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveEvent(direction, eventType string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) ObserveConnectError(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.ConnectErrors.WithLabelValues(kind).Inc()
	m.stages.ObserveIndicator("connect_error_" + kind)
}

func (m *Metrics) ObserveRemoteError(errType string) {
	if m == nil {
		return
	}
	m.RemoteErrors.WithLabelValues(errType).Inc()
}

// ObserveStage records d in both the histogram and the latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// ObserveIndicator counts a notable occurrence, e.g. a reconnect.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) AddCost(deltaUSD float64) {
	if m == nil || deltaUSD <= 0 {
		return
	}
	m.UsageCost.Add(deltaUSD)
}

func (m *Metrics) ObserveNotification(sink, notificationType string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(sink, notificationType).Inc()
}

// LatencySnapshot summarizes the recent stage latencies.
func (m *Metrics) LatencySnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
