package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 所有方法对 nil 接收者安全，测试里可直接传 nil
type Metrics struct {
	activeSessions prometheus.Gauge
	onlineUsers    prometheus.Gauge
	sessionTotal   prometheus.Counter
	eventErrors    *prometheus.CounterVec
	eventLatency   *prometheus.HistogramVec
	dropped        prometheus.Counter
	reaped         prometheus.Counter
	evicted        prometheus.Counter
	sideEffects    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ppchat_sessions_active",
			Help: "Current number of registered sessions on the node.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ppchat_users_online",
			Help: "Users with at least one live session on the node.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppchat_sessions_total",
			Help: "Total number of sessions accepted since start.",
		}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppchat_event_errors_total",
			Help: "Inbound events rejected, by reason.",
		}, []string{"reason"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ppchat_event_latency_seconds",
			Help:    "Latency for handling inbound events.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppchat_outbound_dropped_total",
			Help: "Outbound events dropped because a session queue was full.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppchat_sessions_reaped_total",
			Help: "Sessions collected by the stale connection reaper.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppchat_sessions_evicted_total",
			Help: "Sessions evicted by the per-user session limit.",
		}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppchat_side_effect_failures_total",
			Help: "Non-fatal follow-up steps that failed after the primary write, by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.activeSessions,
		m.onlineUsers,
		m.sessionTotal,
		m.eventErrors,
		m.eventLatency,
		m.dropped,
		m.reaped,
		m.evicted,
		m.sideEffects,
	)
	return m
}

func (m *Metrics) sessionOpened(first bool) {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
	if first {
		m.onlineUsers.Inc()
	}
}

func (m *Metrics) sessionClosed(last bool) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	if last {
		m.onlineUsers.Dec()
	}
}

func (m *Metrics) observe(event string, start time.Time) {
	if m == nil {
		return
	}
	m.eventLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordError(reason string) {
	if m == nil {
		return
	}
	m.eventErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) incReaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

func (m *Metrics) incEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

// SideEffectFailed 主流程已成功、后续步骤失败时计数（未读数、离线推送等）
func (m *Metrics) SideEffectFailed(op string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(op).Inc()
}
