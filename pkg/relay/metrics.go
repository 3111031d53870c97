package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requests      *prometheus.CounterVec
	fragments     prometheus.Counter
	parseErrors   prometheus.Counter
	storeFailures prometheus.Counter
	inflight      prometheus.Gauge
	duration      *prometheus.HistogramVec
}

// NewMetrics builds the relay collectors and registers them on reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oneline_chat",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relayed requests by final status and error kind.",
		}, []string{"status", "kind"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oneline_chat",
			Subsystem: "relay",
			Name:      "fragments_total",
			Help:      "Visible fragments emitted to callers.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oneline_chat",
			Subsystem: "relay",
			Name:      "parse_errors_total",
			Help:      "Malformed upstream lines skipped.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oneline_chat",
			Subsystem: "relay",
			Name:      "store_failures_total",
			Help:      "Turns that could not be committed.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oneline_chat",
			Subsystem: "relay",
			Name:      "inflight_requests",
			Help:      "Requests currently streaming or committing.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oneline_chat",
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Time from start to commit.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.fragments, m.parseErrors, m.storeFailures, m.inflight, m.duration)
	}
	return m
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(res.Status), string(res.ErrorKind)).Inc()
	m.duration.WithLabelValues(string(res.Status)).Observe(float64(res.DurationMs) / 1000)
	if res.StoreErr != nil {
		m.storeFailures.Inc()
	}
}
