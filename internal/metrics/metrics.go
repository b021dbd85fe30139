package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the client-side collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	polls        *prometheus.CounterVec
	pollLatency  prometheus.Histogram
	present      prometheus.Gauge
	issues       *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	expiries     prometheus.Counter
	staleApplies prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "live_polls_total",
			Help:      "Live attendance polls by result.",
		}, []string{"result"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qrattend",
			Name:      "live_poll_duration_seconds",
			Help:      "Round-trip time of live attendance polls.",
			Buckets:   prometheus.DefBuckets,
		}),
		present: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qrattend",
			Name:      "present_count",
			Help:      "Present count of the displayed session.",
		}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "token_issues_total",
			Help:      "Attendance token issuance attempts by result.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "checkin_submissions_total",
			Help:      "Check-in submissions by outcome.",
		}, []string{"outcome"}),
		expiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "session_expiries_total",
			Help:      "Sessions ended by inactivity.",
		}),
		staleApplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "live_poll_discarded_total",
			Help:      "Poll responses dropped as stale or out of order.",
		}),
	}
	m.reg.MustRegister(m.polls, m.pollLatency, m.present, m.issues, m.submissions, m.expiries, m.staleApplies)
	return m
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Poll(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result(ok)).Inc()
	m.pollLatency.Observe(d.Seconds())
}

func (m *Metrics) Present(n int) {
	if m == nil {
		return
	}
	m.present.Set(float64(n))
}

func (m *Metrics) Discarded() {
	if m == nil {
		return
	}
	m.staleApplies.Inc()
}

func (m *Metrics) Issue(ok bool) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.expiries.Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
