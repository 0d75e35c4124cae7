package metrics

import (
	"runtime"
	"time"
)

// Metrics holds every instrument the service exposes. One instance is
// shared by the bus, the request client, the worker runner and the HTTP
// gateway; all methods are safe for concurrent use.
type Metrics struct {
	// Request/reply client
	Requests        *CounterVec   // subject, outcome
	RequestLatency  *HistogramVec // subject
	RequestsPending *Gauge

	// Worker handlers
	Handled        *CounterVec   // subject, outcome
	HandlerLatency *HistogramVec // subject

	// Bus traffic
	BusPublished      *CounterVec // subject
	BusPublishLatency *HistogramVec
	BusErrors         *CounterVec // subject
	BusSubscriptions  *Gauge

	// Fan-out events seen by the observer
	EventsObserved *CounterVec // subject

	// HTTP gateway
	HTTPRequests         *CounterVec   // method, path, status
	HTTPDuration         *HistogramVec // method, path
	HTTPRequestSize      *HistogramVec // method, path
	HTTPRequestsInFlight *Gauge

	// Process
	GoroutineCount *Gauge
	MemoryUsage    *Gauge
	UptimeSeconds  *Gauge

	// TimeSeries keeps short-horizon history for the stats endpoint.
	TimeSeries *TimeSeriesData

	redisStorage *RedisStorage
	startTime    time.Time
	stop         chan struct{}
}

// latencyBucketsMS covers bus round trips from sub-millisecond to the
// 10s ceiling of the slow request path.
var latencyBucketsMS = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// durationBucketsSec are the standard HTTP latency buckets in seconds.
var durationBucketsSec = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// sizeBuckets are request size buckets in bytes.
var sizeBuckets = []float64{100, 1000, 10000, 100000, 1000000, 10000000}

// New creates a Metrics instance with in-memory history only.
func New() *Metrics {
	return NewWithConfig("none", "")
}

// NewWithConfig creates a Metrics instance. With persistence "redis" the
// time-series history is mirrored to Redis at redisURL; any other value
// keeps history in memory. A Redis connection failure downgrades to
// memory instead of failing startup.
func NewWithConfig(persistence, redisURL string) *Metrics {
	m := &Metrics{
		Requests: NewCounterVec(
			"microsaas_requests_total",
			"Bus requests issued, by subject and outcome",
			[]string{"subject", "outcome"},
		),
		RequestLatency: NewHistogramVec(
			"microsaas_request_duration_ms",
			"Round-trip request latency in milliseconds",
			[]string{"subject"},
			latencyBucketsMS,
		),
		RequestsPending: NewGauge(
			"microsaas_requests_pending",
			"Requests currently awaiting a reply",
			nil,
		),
		Handled: NewCounterVec(
			"microsaas_handled_total",
			"Messages processed by worker handlers, by subject and outcome",
			[]string{"subject", "outcome"},
		),
		HandlerLatency: NewHistogramVec(
			"microsaas_handler_duration_ms",
			"Handler execution time in milliseconds",
			[]string{"subject"},
			latencyBucketsMS,
		),
		BusPublished: NewCounterVec(
			"microsaas_bus_published_total",
			"Messages published to the bus, by subject",
			[]string{"subject"},
		),
		BusPublishLatency: NewHistogramVec(
			"microsaas_bus_publish_duration_ms",
			"Publish call latency in milliseconds",
			[]string{"subject"},
			latencyBucketsMS,
		),
		BusErrors: NewCounterVec(
			"microsaas_bus_errors_total",
			"Failed publish calls, by subject",
			[]string{"subject"},
		),
		BusSubscriptions: NewGauge(
			"microsaas_bus_subscriptions",
			"Active bus subscriptions",
			nil,
		),
		EventsObserved: NewCounterVec(
			"microsaas_events_observed_total",
			"Fan-out events seen, by subject",
			[]string{"subject"},
		),
		HTTPRequests: NewCounterVec(
			"microsaas_http_requests_total",
			"HTTP requests, by method, path and status",
			[]string{"method", "path", "status"},
		),
		HTTPDuration: NewHistogramVec(
			"microsaas_http_request_duration_seconds",
			"HTTP request duration in seconds",
			[]string{"method", "path"},
			durationBucketsSec,
		),
		HTTPRequestSize: NewHistogramVec(
			"microsaas_http_request_size_bytes",
			"HTTP request body size in bytes",
			[]string{"method", "path"},
			sizeBuckets,
		),
		HTTPRequestsInFlight: NewGauge(
			"microsaas_http_requests_in_flight",
			"HTTP requests currently being served",
			nil,
		),
		GoroutineCount: NewGauge(
			"microsaas_goroutines",
			"Current number of goroutines",
			nil,
		),
		MemoryUsage: NewGauge(
			"microsaas_memory_bytes",
			"Current heap allocation in bytes",
			nil,
		),
		UptimeSeconds: NewGauge(
			"microsaas_uptime_seconds",
			"Seconds since the process started",
			nil,
		),
		startTime: time.Now(),
		stop:      make(chan struct{}),
	}

	if persistence == "redis" && redisURL != "" {
		storage, err := NewRedisStorage(redisURL)
		if err != nil {
			// Degrade instead of failing startup; history stays in memory.
			println("WARN: redis metrics storage unavailable, using memory:", err.Error())
		} else {
			m.redisStorage = storage
		}
	}

	m.TimeSeries = NewTimeSeriesData(m.redisStorage)

	go m.collectSystemMetrics()

	return m
}

// RecordRequest records one request/reply round trip. Outcome is one of
// ok, timeout, canceled or shutdown.
func (m *Metrics) RecordRequest(subject, outcome string, latencyMs int64) {
	m.Requests.WithLabels(subject, outcome).Inc()
	m.RequestLatency.WithLabels(subject).Observe(float64(latencyMs))
	m.TimeSeries.RecordRequest(float64(latencyMs), outcome == "ok")
}

// RecordHandled records one worker handler invocation. Outcome is one of
// ok, error or decode_error.
func (m *Metrics) RecordHandled(subject, outcome string, latencyMs int64) {
	m.Handled.WithLabels(subject, outcome).Inc()
	m.HandlerLatency.WithLabels(subject).Observe(float64(latencyMs))
}

// RecordBusPublish records one publish call.
func (m *Metrics) RecordBusPublish(subject string, latencyMs int64, err error) {
	m.BusPublished.WithLabels(subject).Inc()
	m.BusPublishLatency.WithLabels(subject).Observe(float64(latencyMs))
	if err != nil {
		m.BusErrors.WithLabels(subject).Inc()
	}
}

// RecordEvent records one fan-out event observation.
func (m *Metrics) RecordEvent(subject string) {
	m.EventsObserved.WithLabels(subject).Inc()
	m.TimeSeries.RecordEvent()
}

// RecordHTTP records one served HTTP request. The path is normalized to
// its route pattern to keep label cardinality bounded.
func (m *Metrics) RecordHTTP(method, path string, status int, duration float64, requestSize int64) {
	normalized := normalizePath(path)

	m.HTTPRequests.WithLabels(method, normalized, statusCode(status)).Inc()
	m.HTTPDuration.WithLabels(method, normalized).Observe(duration)
	if requestSize > 0 {
		m.HTTPRequestSize.WithLabels(method, normalized).Observe(float64(requestSize))
	}
}

// SetPending publishes the request client's pending-call count.
func (m *Metrics) SetPending(n int) {
	m.RequestsPending.Set(float64(n))
}

// SetSubscriptions publishes the bus subscription count.
func (m *Metrics) SetSubscriptions(n int) {
	m.BusSubscriptions.Set(float64(n))
}

// Uptime returns the time since the process started.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// IsRedisPersisted reports whether history is mirrored to Redis.
func (m *Metrics) IsRedisPersisted() bool {
	return m.redisStorage != nil
}

// Close stops the background collector and releases the Redis
// connection if one is open.
func (m *Metrics) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if m.redisStorage != nil {
		return m.redisStorage.Close()
	}
	return nil
}

// collectSystemMetrics refreshes process gauges every 15 seconds until
// Close is called.
func (m *Metrics) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	m.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			m.updateSystemMetrics()
		case <-m.stop:
			return
		}
	}
}

func (m *Metrics) updateSystemMetrics() {
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsage.Set(float64(memStats.HeapAlloc))

	m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
}
