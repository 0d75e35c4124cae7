package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	var sb strings.Builder

	// Request/reply metrics
	writeCounterVec(&sb, m.Requests)
	writeHistogramVec(&sb, m.RequestLatency)
	writeGauge(&sb, m.RequestsPending)

	// Worker metrics
	writeCounterVec(&sb, m.Handled)
	writeHistogramVec(&sb, m.HandlerLatency)

	// Bus metrics
	writeCounterVec(&sb, m.BusPublished)
	writeHistogramVec(&sb, m.BusPublishLatency)
	writeCounterVec(&sb, m.BusErrors)
	writeGauge(&sb, m.BusSubscriptions)

	// Event metrics
	writeCounterVec(&sb, m.EventsObserved)

	// HTTP metrics
	writeCounterVec(&sb, m.HTTPRequests)
	writeHistogramVec(&sb, m.HTTPDuration)
	writeHistogramVec(&sb, m.HTTPRequestSize)
	writeGauge(&sb, m.HTTPRequestsInFlight)

	// System metrics
	writeGauge(&sb, m.GoroutineCount)
	writeGauge(&sb, m.MemoryUsage)
	writeGauge(&sb, m.UptimeSeconds)

	return sb.String()
}

// Handler returns an http.Handler serving the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(m.PrometheusFormat()))
	})
}

// writeGauge writes a gauge in Prometheus format.
func writeGauge(sb *strings.Builder, g *Gauge) {
	sb.WriteString("# HELP ")
	sb.WriteString(g.Name())
	sb.WriteString(" ")
	sb.WriteString(g.Help())
	sb.WriteString("\n")

	sb.WriteString("# TYPE ")
	sb.WriteString(g.Name())
	sb.WriteString(" gauge\n")

	sb.WriteString(g.Name())
	writeLabels(sb, g.Labels())
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%.0f", g.Value()))
	sb.WriteString("\n")
}

// writeCounterVec writes a counter vector in Prometheus format.
func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}
	sortByLabelKey(counters, func(c *Counter) map[string]string { return c.Labels() })

	sb.WriteString("# HELP ")
	sb.WriteString(cv.Name())
	sb.WriteString(" ")
	sb.WriteString(cv.Help())
	sb.WriteString("\n")

	sb.WriteString("# TYPE ")
	sb.WriteString(cv.Name())
	sb.WriteString(" counter\n")

	for _, c := range counters {
		sb.WriteString(c.Name())
		writeLabels(sb, c.Labels())
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprintf("%d", c.Value()))
		sb.WriteString("\n")
	}
}

// writeHistogramVec writes a histogram vector in Prometheus format. Each
// member emits its cumulative buckets with the le label appended to the
// member's own labels.
func writeHistogramVec(sb *strings.Builder, hv *HistogramVec) {
	histograms := hv.GetAll()
	if len(histograms) == 0 {
		return
	}
	sortByLabelKey(histograms, func(h *Histogram) map[string]string { return h.Labels() })

	sb.WriteString("# HELP ")
	sb.WriteString(hv.Name())
	sb.WriteString(" ")
	sb.WriteString(hv.Help())
	sb.WriteString("\n")

	sb.WriteString("# TYPE ")
	sb.WriteString(hv.Name())
	sb.WriteString(" histogram\n")

	for _, h := range histograms {
		labels := h.Labels()
		buckets := h.Buckets()
		counts := h.BucketCounts()

		for i, bound := range buckets {
			sb.WriteString(h.Name())
			sb.WriteString("_bucket")
			writeLabelsWithLE(sb, labels, formatBound(bound))
			sb.WriteString(" ")
			sb.WriteString(fmt.Sprintf("%d", counts[i]))
			sb.WriteString("\n")
		}

		sb.WriteString(h.Name())
		sb.WriteString("_bucket")
		writeLabelsWithLE(sb, labels, "+Inf")
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprintf("%d", counts[len(counts)-1]))
		sb.WriteString("\n")

		sb.WriteString(h.Name())
		sb.WriteString("_sum")
		writeLabels(sb, labels)
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprintf("%.2f", h.Sum()))
		sb.WriteString("\n")

		sb.WriteString(h.Name())
		sb.WriteString("_count")
		writeLabels(sb, labels)
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprintf("%d", h.Count()))
		sb.WriteString("\n")
	}
}

// sortByLabelKey orders vector members by their label key for stable
// output across scrapes.
func sortByLabelKey[T any](items []T, labels func(T) map[string]string) {
	sort.Slice(items, func(i, j int) bool {
		return labelsToKey(labels(items[i])) < labelsToKey(labels(items[j]))
	})
}

// formatBound renders a bucket upper bound without trailing zeros.
func formatBound(bound float64) string {
	return strconv.FormatFloat(bound, 'g', -1, 64)
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\"")
	}
	sb.WriteString("}")
}

// writeLabelsWithLE writes labels plus the le bucket label.
func writeLabelsWithLE(sb *strings.Builder, labels map[string]string, le string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\",")
	}
	sb.WriteString("le=\"")
	sb.WriteString(le)
	sb.WriteString("\"}")
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
