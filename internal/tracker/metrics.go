package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the tracker's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	polls         *prometheus.CounterVec
	notices       *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	workers       prometheus.Gauge
	records       prometheus.Gauge
	saves         *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seatwatch",
			Name:      "polls_total",
			Help:      "Monitor worker poll iterations by result.",
		}, []string{"result"}),
		notices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seatwatch",
			Name:      "notices_total",
			Help:      "Notifications by kind and delivery result.",
		}, []string{"kind", "result"}),
		probeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seatwatch",
			Name:      "probe_duration_seconds",
			Help:      "Duration of one-shot record probes.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"result"}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "seatwatch",
			Name:      "workers_running",
			Help:      "Monitor workers currently running.",
		}),
		records: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "seatwatch",
			Name:      "tracked_records",
			Help:      "Records currently tracked across all groups.",
		}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seatwatch",
			Name:      "saves_total",
			Help:      "Registry saves by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) notice(kind NoticeKind, result string) {
	if m == nil {
		return
	}
	m.notices.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) probe(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.probeDuration.WithLabelValues(result).Observe(took.Seconds())
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.workers.Inc()
}

func (m *Metrics) workerStopped() {
	if m == nil {
		return
	}
	m.workers.Dec()
}

func (m *Metrics) setRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

func (m *Metrics) save(result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
}
