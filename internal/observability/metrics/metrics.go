package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "automation_"

	resultSuccess    = "success"
	resultError      = "error"
	resultSuppressed = "suppressed"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	readingsProcessed prometheus.Counter
	readingsRejected  *prometheus.CounterVec

	firingsTotal      prometheus.Counter
	sweepFiringsTotal prometheus.Counter
	dispatchTotal     *prometheus.CounterVec

	laneQueueDepth prometheus.Gauge
)

// Init registers engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total reading ingest requests by result",
			},
			[]string{"result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Reading ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		readingsProcessed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_processed_total",
				Help: "Total readings accepted into meter histories",
			},
		)
		readingsRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_rejected_total",
				Help: "Total readings rejected by reason",
			},
			[]string{"reason"},
		)
		firingsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "firings_total",
				Help: "Total trigger firings",
			},
		)
		sweepFiringsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sweep_firings_total",
				Help: "Total firings produced by the duration sweep",
			},
		)
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_total",
				Help: "Total action dispatches by result",
			},
			[]string{"result"},
		)
		laneQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "lane_queue_depth",
				Help: "Depth of the most recently used meter lane queue",
			},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestLatency,
			readingsProcessed,
			readingsRejected,
			firingsTotal,
			sweepFiringsTotal,
			dispatchTotal,
			laneQueueDepth,
		)
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncReadingProcessed increments the accepted reading counter.
func IncReadingProcessed() {
	if readingsProcessed != nil {
		readingsProcessed.Inc()
	}
}

// IncReadingRejected increments the rejected reading counter.
func IncReadingRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if readingsRejected != nil {
		readingsRejected.WithLabelValues(reason).Inc()
	}
}

// IncFiring increments the firing counter.
func IncFiring() {
	if firingsTotal != nil {
		firingsTotal.Inc()
	}
}

// IncSweepFiring increments the sweep firing counter.
func IncSweepFiring() {
	if sweepFiringsTotal != nil {
		sweepFiringsTotal.Inc()
	}
}

// IncDispatch increments the dispatch counter by result.
func IncDispatch(result string) {
	if result == "" {
		result = resultSuccess
	}
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(result).Inc()
	}
}

// ObserveQueueDepth records a lane queue depth sample.
func ObserveQueueDepth(depth int) {
	if laneQueueDepth != nil {
		laneQueueDepth.Set(float64(depth))
	}
}

// Exported constants for callers.
const (
	ResultSuccess    = resultSuccess
	ResultError      = resultError
	ResultSuppressed = resultSuppressed
)
