package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	dispatched    prometheus.Counter
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	retryPending  prometheus.Gauge
	abandoned     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
}

// New creates a recorder registered on reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "candlepull_scheduler_ticks_total",
			Help: "Scheduler ticks executed",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlepull_scheduler_tick_seconds",
			Help:    "Wall time of one scheduler tick including reconciliation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "candlepull_scheduler_units_dispatched_total",
			Help: "Fetch units dispatched to the harvester",
		}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepull_harvester_fetches_total",
			Help: "Exchange fetches by outcome",
		}, []string{"exchange", "outcome"}),
		fetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlepull_harvester_fetch_seconds",
			Help:    "Exchange fetch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),
		retryPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "candlepull_retry_ledger_pending",
			Help: "Retry records currently outstanding",
		}),
		abandoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepull_retry_abandoned_total",
			Help: "Closes permanently missed after the retry deadline",
		}, []string{"timeframe"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepull_notifier_events_total",
			Help: "Candle-ready deliveries by sink and result",
		}, []string{"sink", "result"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepull_errors_total",
			Help: "Total number of errors encountered",
		}, []string{"type"}),
	}
}

// RecordTick records one completed tick.
func (r *Recorder) RecordTick(d time.Duration, dispatched int) {
	r.ticks.Inc()
	r.tickDuration.Observe(d.Seconds())
	r.dispatched.Add(float64(dispatched))
}

// RecordFetch records one harvester fetch.
func (r *Recorder) RecordFetch(exchange, outcome string, seconds float64) {
	r.fetches.WithLabelValues(exchange, outcome).Inc()
	r.fetchLatency.WithLabelValues(exchange).Observe(seconds)
}

func (r *Recorder) RecordRetryPending(n int) {
	r.retryPending.Set(float64(n))
}

func (r *Recorder) RecordAbandoned(tf string) {
	r.abandoned.WithLabelValues(tf).Inc()
}

func (r *Recorder) RecordNotification(sink, result string) {
	r.notifications.WithLabelValues(sink, result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}
