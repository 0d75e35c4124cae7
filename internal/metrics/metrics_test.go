package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_counter", "A test counter", nil)

	if c.Value() != 0 {
		t.Errorf("expected initial value 0, got %d", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("expected value 1 after Inc(), got %d", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("expected value 6 after Add(5), got %d", c.Value())
	}

	// Counters can't decrease
	c.Add(-10)
	if c.Value() != 6 {
		t.Errorf("expected value 6 after Add(-10), got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("expected value 0 after Reset(), got %d", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "A test gauge", nil)

	g.Set(42)
	if g.Value() != 42 {
		t.Errorf("expected value 42, got %f", g.Value())
	}

	g.Inc()
	if g.Value() != 43 {
		t.Errorf("expected value 43 after Inc(), got %f", g.Value())
	}

	g.Dec()
	if g.Value() != 42 {
		t.Errorf("expected value 42 after Dec(), got %f", g.Value())
	}

	g.Add(-10)
	if g.Value() != 32 {
		t.Errorf("expected value 32 after Add(-10), got %f", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	buckets := []float64{1, 5, 10, 50, 100}
	h := NewHistogram("test_histogram", "A test histogram", buckets)

	h.Observe(2.5)
	h.Observe(7.0)
	h.Observe(150.0)

	if h.Count() != 3 {
		t.Errorf("expected count 3, got %d", h.Count())
	}

	expectedSum := 2.5 + 7.0 + 150.0
	if h.Sum() != expectedSum {
		t.Errorf("expected sum %f, got %f", expectedSum, h.Sum())
	}

	// Cumulative: 2.5 lands in le=5, 7.0 in le=10, 150.0 in +Inf only.
	counts := h.BucketCounts()
	want := []int64{0, 1, 2, 2, 2, 3}
	for i, w := range want {
		if counts[i] != w {
			t.Errorf("bucket %d: expected %d, got %d (all: %v)", i, w, counts[i], counts)
		}
	}
}

func TestCounterVec(t *testing.T) {
	cv := NewCounterVec("test_counter_vec", "A test counter vector", []string{"outcome"})

	c1 := cv.WithLabels("timeout")
	c1.Inc()
	c1.Inc()

	c2 := cv.WithLabels("ok")
	c2.Inc()

	counters := cv.GetAll()
	if len(counters) != 2 {
		t.Errorf("expected 2 counters, got %d", len(counters))
	}

	if c1.Value() != 2 {
		t.Errorf("expected timeout counter value 2, got %d", c1.Value())
	}
	if c2.Value() != 1 {
		t.Errorf("expected ok counter value 1, got %d", c2.Value())
	}

	// Same labels return the same counter instance
	if cv.WithLabels("timeout") != c1 {
		t.Error("expected same counter instance for same labels")
	}
}

func TestHistogramVec(t *testing.T) {
	hv := NewHistogramVec("test_histogram_vec", "A test histogram vector", []string{"subject"}, []float64{10, 100})

	hv.WithLabels("invoice.create").Observe(5)
	hv.WithLabels("invoice.create").Observe(50)
	hv.WithLabels("invoice.get").Observe(1)

	if len(hv.GetAll()) != 2 {
		t.Errorf("expected 2 histograms, got %d", len(hv.GetAll()))
	}

	h := hv.WithLabels("invoice.create")
	if h.Count() != 2 {
		t.Errorf("expected 2 observations for invoice.create, got %d", h.Count())
	}
	if h.Labels()["subject"] != "invoice.create" {
		t.Errorf("expected subject label, got %v", h.Labels())
	}
}

func TestMetricsRecording(t *testing.T) {
	m := New()
	defer m.Close()

	m.RecordRequest("invoice.create", "ok", 12)
	m.RecordRequest("invoice.create", "timeout", 5000)
	if got := m.Requests.WithLabels("invoice.create", "ok").Value(); got != 1 {
		t.Errorf("expected 1 ok request, got %d", got)
	}
	if got := m.Requests.WithLabels("invoice.create", "timeout").Value(); got != 1 {
		t.Errorf("expected 1 timeout request, got %d", got)
	}
	if got := m.RequestLatency.WithLabels("invoice.create").Count(); got != 2 {
		t.Errorf("expected 2 latency observations, got %d", got)
	}

	m.RecordHandled("invoice.create", "ok", 8)
	if got := m.Handled.WithLabels("invoice.create", "ok").Value(); got != 1 {
		t.Errorf("expected 1 handled message, got %d", got)
	}

	m.RecordBusPublish("invoice.created", 1, nil)
	m.RecordBusPublish("invoice.created", 1, errTest)
	if got := m.BusPublished.WithLabels("invoice.created").Value(); got != 2 {
		t.Errorf("expected 2 published, got %d", got)
	}
	if got := m.BusErrors.WithLabels("invoice.created").Value(); got != 1 {
		t.Errorf("expected 1 publish error, got %d", got)
	}

	m.RecordEvent("payment.completed")
	if got := m.EventsObserved.WithLabels("payment.completed").Value(); got != 1 {
		t.Errorf("expected 1 observed event, got %d", got)
	}

	m.SetPending(3)
	if m.RequestsPending.Value() != 3 {
		t.Errorf("expected pending gauge 3, got %f", m.RequestsPending.Value())
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }

func TestRecordHTTPNormalizesPath(t *testing.T) {
	m := New()
	defer m.Close()

	m.RecordHTTP("GET", "/v1/invoices/inv_01HX2", 200, 0.012, 0)
	m.RecordHTTP("GET", "/v1/invoices/inv_99ZZZ", 200, 0.008, 0)
	m.RecordHTTP("POST", "/v1/invoices/inv_01HX2/send", 202, 0.150, 120)

	if got := m.HTTPRequests.WithLabels("GET", "/v1/invoices/{id}", "200").Value(); got != 2 {
		t.Errorf("expected 2 normalized GET requests, got %d", got)
	}
	if got := m.HTTPRequests.WithLabels("POST", "/v1/invoices/{id}/send", "202").Value(); got != 1 {
		t.Errorf("expected 1 send request, got %d", got)
	}
	if got := m.HTTPRequestSize.WithLabels("POST", "/v1/invoices/{id}/send").Count(); got != 1 {
		t.Errorf("expected 1 size observation, got %d", got)
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	defer m.Close()

	m.RecordRequest("invoice.create", "ok", 12)
	m.RecordHandled("invoice.create", "ok", 8)
	m.RecordBusPublish("invoice.created", 1, nil)
	m.SetSubscriptions(4)

	output := m.PrometheusFormat()

	requiredStrings := []string{
		"# HELP microsaas_requests_total",
		"# TYPE microsaas_requests_total counter",
		`microsaas_requests_total{outcome="ok",subject="invoice.create"} 1`,
		"# TYPE microsaas_request_duration_ms histogram",
		`microsaas_request_duration_ms_bucket{subject="invoice.create",le="+Inf"} 1`,
		`microsaas_request_duration_ms_count{subject="invoice.create"} 1`,
		`microsaas_handled_total{outcome="ok",subject="invoice.create"} 1`,
		`microsaas_bus_published_total{subject="invoice.created"} 1`,
		"# TYPE microsaas_bus_subscriptions gauge",
		"microsaas_bus_subscriptions 4",
		"# TYPE microsaas_goroutines gauge",
	}

	for _, s := range requiredStrings {
		if !strings.Contains(output, s) {
			t.Errorf("expected Prometheus output to contain %q", s)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	defer m.Close()
	m.RecordRequest("invoice.get", "ok", 3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "microsaas_requests_total") {
		t.Error("expected body to contain request counter")
	}
}

func TestMetricHistoryBuckets(t *testing.T) {
	h := NewMetricHistory(10*time.Millisecond, 5, nil, "", false)

	h.Record(10)
	h.Record(20)

	// Same bucket: nothing finalized yet
	if got := len(h.GetHistory()); got != 0 {
		t.Errorf("expected 0 finalized buckets, got %d", got)
	}

	// Current bucket shows the running average
	current := h.GetHistoryWithCurrent()
	if len(current) != 1 || current[0].Value != 15 {
		t.Errorf("expected current average 15, got %v", current)
	}

	// Roll into the next bucket and confirm finalization
	time.Sleep(15 * time.Millisecond)
	h.Record(40)

	finalized := h.GetHistoryWithCurrent()
	if len(finalized) != 2 {
		t.Fatalf("expected 2 buckets after rollover, got %v", finalized)
	}
	if finalized[0].Value != 15 {
		t.Errorf("expected finalized average 15, got %f", finalized[0].Value)
	}
	if finalized[1].Value != 40 {
		t.Errorf("expected current value 40, got %f", finalized[1].Value)
	}
}

func TestMetricHistorySumMode(t *testing.T) {
	h := NewMetricHistory(10*time.Millisecond, 5, nil, "", true)

	h.RecordCount()
	h.RecordCount()
	h.RecordCount()

	current := h.GetHistoryWithCurrent()
	if len(current) != 1 || current[0].Value != 3 {
		t.Errorf("expected current sum 3, got %v", current)
	}
}

func TestMetricHistoryRetention(t *testing.T) {
	h := NewMetricHistory(time.Millisecond, 3, nil, "", false)

	for i := 0; i < 6; i++ {
		h.Record(float64(i))
		time.Sleep(2 * time.Millisecond)
	}

	if got := len(h.GetHistory()); got > 3 {
		t.Errorf("expected at most 3 retained buckets, got %d", got)
	}
}

func TestCollector(t *testing.T) {
	m := New()
	defer m.Close()

	conn := bus.NewMemoryConn()
	defer conn.Close()

	sub, err := conn.Subscribe("invoice.created", func(bus.Msg) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	m.RecordRequest("invoice.create", "ok", 10)
	m.RecordRequest("invoice.create", "timeout", 5000)
	m.RecordHandled("invoice.create", "ok", 5)

	c := NewCollector(m, pendingStub(2), conn)
	stats, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if stats["requests_total"] != int64(2) {
		t.Errorf("expected 2 requests, got %v", stats["requests_total"])
	}
	byOutcome := stats["requests_by_outcome"].(map[string]int64)
	if byOutcome["ok"] != 1 || byOutcome["timeout"] != 1 {
		t.Errorf("unexpected outcome breakdown: %v", byOutcome)
	}
	if stats["requests_pending"] != 2 {
		t.Errorf("expected 2 pending, got %v", stats["requests_pending"])
	}
	if stats["bus_subscriptions"] != 1 {
		t.Errorf("expected 1 subscription, got %v", stats["bus_subscriptions"])
	}

	// Collect refreshes the gauges as a side effect
	if m.RequestsPending.Value() != 2 {
		t.Errorf("expected pending gauge refreshed to 2, got %f", m.RequestsPending.Value())
	}

	summary := c.Summary(context.Background())
	if !strings.Contains(summary, "Requests: 2") {
		t.Errorf("expected summary to mention requests, got:\n%s", summary)
	}
}

type pendingStub int

func (p pendingStub) Pending() int { return int(p) }

func TestEventObserver(t *testing.T) {
	m := New()
	defer m.Close()

	conn := bus.NewMemoryConn()
	defer conn.Close()

	o := NewEventObserver(m, conn)
	if err := o.Observe("invoice.created", "payment.completed"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer o.Close()

	if err := conn.Publish("invoice.created", []byte(`{"invoiceId":"inv-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := conn.Publish("payment.completed", []byte(`{"paymentId":"pay-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.EventsObserved.WithLabels("invoice.created").Value() == 1 &&
			m.EventsObserved.WithLabels("payment.completed").Value() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("events not counted: invoice.created=%d payment.completed=%d",
		m.EventsObserved.WithLabels("invoice.created").Value(),
		m.EventsObserved.WithLabels("payment.completed").Value())
}

func TestLabelsToKey(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{
			name:   "empty",
			labels: map[string]string{},
			want:   "",
		},
		{
			name:   "single label",
			labels: map[string]string{"subject": "invoice.create"},
			want:   "subject=invoice.create",
		},
		{
			name:   "multiple labels sorted",
			labels: map[string]string{"subject": "invoice.create", "outcome": "ok"},
			want:   "outcome=ok,subject=invoice.create",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := labelsToKey(tt.labels)
			if got != tt.want {
				t.Errorf("labelsToKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkCounterInc(b *testing.B) {
	c := NewCounter("bench_counter", "Benchmark counter", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Inc()
	}
}

func BenchmarkHistogramObserve(b *testing.B) {
	h := NewHistogram("bench_histogram", "Benchmark histogram", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Observe(float64(i % 1000))
	}
}

func BenchmarkCounterVecWithLabels(b *testing.B) {
	cv := NewCounterVec("bench_counter_vec", "Benchmark counter vector", []string{"subject"})
	subjects := []string{"invoice.create", "invoice.get", "invoice.send", "payment.create"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cv.WithLabels(subjects[i%len(subjects)]).Inc()
	}
}

func BenchmarkPrometheusFormat(b *testing.B) {
	m := New()
	defer m.Close()
	m.RecordRequest("invoice.create", "ok", 12)
	m.RecordHandled("invoice.create", "ok", 8)
	m.RecordBusPublish("invoice.created", 1, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.PrometheusFormat()
	}
}
