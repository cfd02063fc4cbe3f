package stream

import (
	"time"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a Registry. A nil *Metrics records nothing.
type Metrics struct {
	OpenSessions     prometheus.Gauge
	InitFailures     prometheus.Counter
	ConnectionErrors prometheus.Counter
	Reconnects       prometheus.Counter
	Closed           *prometheus.CounterVec
	Events           *prometheus.CounterVec
	IdleSeconds      prometheus.Histogram
}

// NewMetrics registers the stream collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpenSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_open_sessions",
			Help: "Sessions currently tracked by the registry",
		}),
		InitFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_transport_init_failures_total",
			Help: "Transports that could not be constructed",
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_connection_errors_total",
			Help: "Faults reported by live transports",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_reconnects_total",
			Help: "Reconnect attempts scheduled",
		}),
		Closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_sessions_closed_total",
			Help: "Sessions removed from the registry by reason",
		}, []string{"reason"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_events_total",
			Help: "Classified events delivered by kind",
		}, []string{"kind"}),
		IdleSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcore_session_idle_seconds",
			Help:    "Idle time observed by liveness checks",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) setOpen(n int) {
	if m != nil {
		m.OpenSessions.Set(float64(n))
	}
}

func (m *Metrics) initFailed() {
	if m != nil {
		m.InitFailures.Inc()
	}
}

func (m *Metrics) connectionError() {
	if m != nil {
		m.ConnectionErrors.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) closed(reason CloseReason) {
	if m != nil {
		m.Closed.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) event(kind classify.Kind) {
	if m != nil {
		m.Events.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) idle(d time.Duration) {
	if m != nil {
		m.IdleSeconds.Observe(d.Seconds())
	}
}
