// Package metrics provides Prometheus instrumentation for featuresink.
//
// # Overview
//
// Package-level vectors are registered once with the default registry via
// promauto. Components record through a Collector, which fixes the "sink"
// label to the instance name so several sinks in one process stay apart.
//
// # Basic Usage
//
//	collector := metrics.NewCollector("orders")
//	collector.RecordsAccepted(len(valid))
//	collector.ObserveBatch(len(chunk))
//	collector.ObserveRequest("success", time.Since(start))
//
// # Metric Types
//
// Counter: records, requests and attempts
// Gauge: permits in use, throughput
// Histogram: request latency, permit wait, batch size
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Records counts records by pipeline stage result.
	// Labels: sink, status (accepted/errant/ingested)
	Records = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featuresink_records_total",
			Help: "Total number of records seen by the sink, by status",
		},
		[]string{"sink", "status"},
	)

	// ErrantRecords counts records diverted to the errant-record reporter.
	// Labels: sink, reason (conversion/validation)
	ErrantRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featuresink_errant_records_total",
			Help: "Records diverted to the errant-record reporter",
		},
		[]string{"sink", "reason"},
	)

	// IngestRequests counts completed ingest sends by final outcome.
	// Labels: sink, outcome (success/retriable/terminal)
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featuresink_ingest_requests_total",
			Help: "Completed ingest sends by outcome",
		},
		[]string{"sink", "outcome"},
	)

	// IngestAttempts counts individual HTTP attempts by status code; "0"
	// means no response was received.
	IngestAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featuresink_ingest_attempts_total",
			Help: "HTTP attempts against the ingest API by status code",
		},
		[]string{"sink", "code"},
	)

	// IngestLatency tracks the duration of a send including retries.
	IngestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featuresink_ingest_duration_seconds",
			Help:    "Duration of ingest sends including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"sink", "outcome"},
	)

	// PermitWait tracks time spent acquiring a concurrency permit.
	PermitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featuresink_permit_wait_seconds",
			Help:    "Time spent waiting for a concurrency permit",
			Buckets: []float64{.0001, .001, .01, .1, .5, 1, 5, 30},
		},
		[]string{"sink"},
	)

	// PermitsInUse tracks currently held concurrency permits.
	PermitsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "featuresink_permits_in_use",
			Help: "Concurrency permits currently held",
		},
		[]string{"sink"},
	)

	// BatchSize tracks records per ingest request.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featuresink_batch_size_records",
			Help:    "Records per ingest request",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 5000, 10000},
		},
		[]string{"sink"},
	)

	// FeatureViewRecords counts records the API reports as ingested per
	// feature view. Labels: sink, feature_view, store (online/offline)
	FeatureViewRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featuresink_feature_view_records_total",
			Help: "Records ingested per feature view as reported by the API",
		},
		[]string{"sink", "feature_view", "store"},
	)

	// Throughput is records ingested per second over the last publish
	// interval of a ThroughputTracker
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "featuresink_throughput_records_per_second",
			Help: "Current throughput in records per second",
		},
		[]string{"sink"},
	)
)

// Collector records metrics for one sink instance.
type Collector struct {
	name string
}

// NewCollector creates a collector whose metrics carry sink=name.
func NewCollector(name string) *Collector {
	return &Collector{name: name}
}

// Name returns the sink label value
func (c *Collector) Name() string {
	return c.name
}

// RecordsAccepted counts records that passed normalization and validation
func (c *Collector) RecordsAccepted(n int) {
	Records.WithLabelValues(c.name, "accepted").Add(float64(n))
}

// RecordsIngested counts records delivered in a successful request
func (c *Collector) RecordsIngested(n int) {
	Records.WithLabelValues(c.name, "ingested").Add(float64(n))
}

// RecordErrant counts one record diverted to the errant reporter
func (c *Collector) RecordErrant(reason string) {
	Records.WithLabelValues(c.name, "errant").Inc()
	ErrantRecords.WithLabelValues(c.name, reason).Inc()
}

// ObserveBatch records the size of one ingest request
func (c *Collector) ObserveBatch(size int) {
	BatchSize.WithLabelValues(c.name).Observe(float64(size))
}

// ObserveAttempt counts one HTTP attempt; code 0 means no response
func (c *Collector) ObserveAttempt(code int) {
	IngestAttempts.WithLabelValues(c.name, strconv.Itoa(code)).Inc()
}

// ObserveRequest records the final outcome and duration of a send
func (c *Collector) ObserveRequest(outcome string, d time.Duration) {
	IngestRequests.WithLabelValues(c.name, outcome).Inc()
	IngestLatency.WithLabelValues(c.name, outcome).Observe(d.Seconds())
}

// ObservePermitWait records time spent acquiring a permit
func (c *Collector) ObservePermitWait(d time.Duration) {
	PermitWait.WithLabelValues(c.name).Observe(d.Seconds())
}

// SetPermitsInUse publishes the number of held permits
func (c *Collector) SetPermitsInUse(n int) {
	PermitsInUse.WithLabelValues(c.name).Set(float64(n))
}

// AddFeatureViewRecords counts records the API reports per feature view
func (c *Collector) AddFeatureViewRecords(featureView, store string, n int64) {
	if n <= 0 {
		return
	}
	FeatureViewRecords.WithLabelValues(c.name, featureView, store).Add(float64(n))
}

// ThroughputTracker tracks records per second over time windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	sink      string
}

// NewThroughputTracker creates a new throughput tracker for a sink.
func NewThroughputTracker(sink string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		sink:      sink,
	}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, publishes it, resets the
// counter and returns the value.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.sink).Set(throughput)

	return throughput
}
