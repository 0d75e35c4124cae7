package metrics

import (
	"context"
	"sync"
	"time"
)

// DataPoint is a single time-series sample.
type DataPoint struct {
	Timestamp time.Time
	Value     float64
}

// MetricHistory stores time-series data with automatic bucketing and
// retention. Values recorded into the current bucket are aggregated and
// flushed when the bucket window rolls over.
type MetricHistory struct {
	mu          sync.Mutex
	buckets     []DataPoint
	bucketSize  time.Duration
	maxBuckets  int
	accumulator float64
	count       int64
	sumMode     bool // finalize as sum instead of average
	lastBucket  time.Time
	storage     *RedisStorage // optional, nil keeps history in memory
	metricName  string
}

// NewMetricHistory creates a metric history with the given bucket size
// and retention. With a non-nil storage, finalized buckets are persisted
// under metricName and prior history is loaded at startup.
func NewMetricHistory(bucketSize time.Duration, maxBuckets int, storage *RedisStorage, metricName string, sumMode bool) *MetricHistory {
	h := &MetricHistory{
		buckets:    make([]DataPoint, 0, maxBuckets),
		bucketSize: bucketSize,
		maxBuckets: maxBuckets,
		sumMode:    sumMode,
		lastBucket: time.Now().Truncate(bucketSize),
		storage:    storage,
		metricName: metricName,
	}

	if storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		since := time.Now().Add(-time.Duration(maxBuckets) * bucketSize)
		if dataPoints, err := storage.LoadHistory(ctx, metricName, since); err == nil && len(dataPoints) > 0 {
			h.buckets = dataPoints
		}
	}

	return h
}

// Record adds a value to the current bucket.
func (h *MetricHistory) Record(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rollover()
	h.accumulator += value
	h.count++
}

// RecordCount increments the current bucket by one, for rate metrics.
func (h *MetricHistory) RecordCount() {
	h.Record(1)
}

// rollover finalizes the previous bucket when the window has moved on.
// Must be called with the lock held.
func (h *MetricHistory) rollover() {
	currentBucket := time.Now().Truncate(h.bucketSize)
	if !currentBucket.After(h.lastBucket) {
		return
	}
	h.finalizeBucket()
	h.lastBucket = currentBucket
}

// finalizeBucket flushes the accumulator into the bucket list. Must be
// called with the lock held.
func (h *MetricHistory) finalizeBucket() {
	if h.count == 0 {
		return
	}

	value := h.accumulator
	if !h.sumMode {
		value = h.accumulator / float64(h.count)
	}

	dp := DataPoint{
		Timestamp: h.lastBucket,
		Value:     value,
	}
	h.buckets = append(h.buckets, dp)

	if h.storage != nil && h.metricName != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = h.storage.SaveDataPoint(ctx, h.metricName, dp)
		}()
	}

	if len(h.buckets) > h.maxBuckets {
		h.buckets = h.buckets[len(h.buckets)-h.maxBuckets:]
	}

	h.accumulator = 0
	h.count = 0
}

// GetHistory returns a copy of the finalized time-series data.
func (h *MetricHistory) GetHistory() []DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rollover()

	result := make([]DataPoint, len(h.buckets))
	copy(result, h.buckets)
	return result
}

// GetHistoryWithCurrent returns history including the unflushed current
// bucket.
func (h *MetricHistory) GetHistoryWithCurrent() []DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]DataPoint, len(h.buckets))
	copy(result, h.buckets)

	if h.count > 0 {
		value := h.accumulator
		if !h.sumMode {
			value = h.accumulator / float64(h.count)
		}
		result = append(result, DataPoint{
			Timestamp: h.lastBucket,
			Value:     value,
		})
	}

	return result
}

// GetHistorySince returns data points at or after the given time.
func (h *MetricHistory) GetHistorySince(since time.Time) []DataPoint {
	all := h.GetHistoryWithCurrent()
	result := make([]DataPoint, 0, len(all))
	for _, dp := range all {
		if !dp.Timestamp.Before(since) {
			result = append(result, dp)
		}
	}
	return result
}

// TimeSeriesData holds the short-horizon series served by the stats
// endpoint.
type TimeSeriesData struct {
	RequestRate    *MetricHistory // requests per bucket
	RequestLatency *MetricHistory // average round-trip latency per bucket
	RequestErrors  *MetricHistory // failed requests per bucket
	EventRate      *MetricHistory // fan-out events per bucket
}

// NewTimeSeriesData creates the series collection with 5-minute buckets
// and one hour of retention. With a non-nil storage the series survive
// restarts.
func NewTimeSeriesData(storage *RedisStorage) *TimeSeriesData {
	bucketSize := 5 * time.Minute
	maxBuckets := 12 // one hour

	return &TimeSeriesData{
		RequestRate:    NewMetricHistory(bucketSize, maxBuckets, storage, "request_rate", true),
		RequestLatency: NewMetricHistory(bucketSize, maxBuckets, storage, "request_latency", false),
		RequestErrors:  NewMetricHistory(bucketSize, maxBuckets, storage, "request_errors", true),
		EventRate:      NewMetricHistory(bucketSize, maxBuckets, storage, "event_rate", true),
	}
}

// RecordRequest records one request round trip.
func (t *TimeSeriesData) RecordRequest(latencyMs float64, ok bool) {
	t.RequestRate.RecordCount()
	t.RequestLatency.Record(latencyMs)
	if !ok {
		t.RequestErrors.RecordCount()
	}
}

// RecordEvent records one fan-out event.
func (t *TimeSeriesData) RecordEvent() {
	t.EventRate.RecordCount()
}
