package metrics

import (
	"context"
	"fmt"
)

// PendingCounter reports how many requests are awaiting replies. The
// request client satisfies this.
type PendingCounter interface {
	Pending() int
}

// SubscriptionCounter reports the number of active bus subscriptions.
// Bus connections satisfy this.
type SubscriptionCounter interface {
	NumSubscriptions() int
}

// Collector assembles a point-in-time stats snapshot from the shared
// instruments and the live bus state. It backs the stats endpoint.
type Collector struct {
	metrics       *Metrics
	pending       PendingCounter
	subscriptions SubscriptionCounter
}

// NewCollector creates a collector. pending and subscriptions may be nil
// when the owning process has no request client or bus connection.
func NewCollector(metrics *Metrics, pending PendingCounter, subscriptions SubscriptionCounter) *Collector {
	return &Collector{
		metrics:       metrics,
		pending:       pending,
		subscriptions: subscriptions,
	}
}

// Collect gathers current statistics.
func (c *Collector) Collect(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	// Live state, refreshed into the gauges as a side effect so the
	// Prometheus endpoint stays current between scrapes.
	if c.pending != nil {
		n := c.pending.Pending()
		c.metrics.SetPending(n)
		stats["requests_pending"] = n
	}
	if c.subscriptions != nil {
		n := c.subscriptions.NumSubscriptions()
		c.metrics.SetSubscriptions(n)
		stats["bus_subscriptions"] = n
	}

	// Request/reply totals
	stats["requests_total"] = sumCounterVec(c.metrics.Requests)
	stats["requests_by_outcome"] = countersByLabel(c.metrics.Requests, "outcome")
	stats["handled_total"] = sumCounterVec(c.metrics.Handled)
	stats["handled_by_outcome"] = countersByLabel(c.metrics.Handled, "outcome")

	// Bus totals
	stats["bus_published_total"] = sumCounterVec(c.metrics.BusPublished)
	stats["bus_errors_total"] = sumCounterVec(c.metrics.BusErrors)
	stats["events_observed_total"] = sumCounterVec(c.metrics.EventsObserved)

	// HTTP totals
	stats["http_requests_total"] = sumCounterVec(c.metrics.HTTPRequests)

	// Process
	stats["goroutines"] = c.metrics.GoroutineCount.Value()
	stats["memory_bytes"] = c.metrics.MemoryUsage.Value()
	stats["uptime_seconds"] = int64(c.metrics.Uptime().Seconds())
	stats["redis_persisted"] = c.metrics.IsRedisPersisted()

	return stats, nil
}

// History returns the time-series history for charting, including the
// in-progress bucket.
func (c *Collector) History() map[string][]DataPoint {
	ts := c.metrics.TimeSeries
	return map[string][]DataPoint{
		"request_rate":    ts.RequestRate.GetHistoryWithCurrent(),
		"request_latency": ts.RequestLatency.GetHistoryWithCurrent(),
		"request_errors":  ts.RequestErrors.GetHistoryWithCurrent(),
		"event_rate":      ts.EventRate.GetHistoryWithCurrent(),
	}
}

// Summary returns a human-readable summary of current metrics.
func (c *Collector) Summary(ctx context.Context) string {
	stats, err := c.Collect(ctx)
	if err != nil {
		return "Error collecting metrics"
	}

	summary := "Coordination Metrics Summary\n"
	summary += "============================\n\n"

	if requests, ok := stats["requests_total"].(int64); ok {
		summary += "Requests: " + formatInt(requests) + "\n"
	}
	if handled, ok := stats["handled_total"].(int64); ok {
		summary += "Handled: " + formatInt(handled) + "\n"
	}
	if published, ok := stats["bus_published_total"].(int64); ok {
		summary += "Published: " + formatInt(published) + "\n"
	}
	if events, ok := stats["events_observed_total"].(int64); ok {
		summary += "Events: " + formatInt(events) + "\n"
	}
	if pending, ok := stats["requests_pending"].(int); ok {
		summary += "Pending: " + formatInt(int64(pending)) + "\n"
	}
	if goroutines, ok := stats["goroutines"].(float64); ok {
		summary += "Goroutines: " + formatInt(int64(goroutines)) + "\n"
	}
	if memBytes, ok := stats["memory_bytes"].(float64); ok {
		summary += "Memory Usage: " + formatBytes(int64(memBytes)) + "\n"
	}
	if uptime, ok := stats["uptime_seconds"].(int64); ok {
		summary += "Uptime: " + formatDuration(uptime) + "\n"
	}

	return summary
}

// Helper functions

func sumCounterVec(cv *CounterVec) int64 {
	var total int64
	for _, c := range cv.GetAll() {
		total += c.Value()
	}
	return total
}

// countersByLabel aggregates a counter family by one label, summing over
// the others.
func countersByLabel(cv *CounterVec, label string) map[string]int64 {
	result := make(map[string]int64)
	for _, c := range cv.GetAll() {
		result[c.Labels()[label]] += c.Value()
	}
	return result
}

func formatInt(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
