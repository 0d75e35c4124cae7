package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryConn_PublishSubscribe(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	_, err := conn.Subscribe("test.subject", func(m Msg) {
		received.Add(1)
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		if err := conn.Publish("test.subject", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for messages")
	}

	if got := received.Load(); got != 3 {
		t.Errorf("Received %d messages, want 3", got)
	}
}

func TestMemoryConn_MultipleSubscribers(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup

	// First subscriber
	conn.Subscribe("test.subject", func(m Msg) {
		count1.Add(1)
		wg.Done()
	})

	// Second subscriber
	conn.Subscribe("test.subject", func(m Msg) {
		count2.Add(1)
		wg.Done()
	})

	// Publish one message - both subscribers should receive it
	wg.Add(2)
	conn.Publish("test.subject", []byte(`{}`))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout")
	}

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("Expected both subscribers to receive 1 message, got %d and %d", count1.Load(), count2.Load())
	}
}

func TestMemoryConn_NoSubscribers(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	// Publishing to a subject with no subscribers should not error
	if err := conn.Publish("empty.subject", []byte(`{}`)); err != nil {
		t.Errorf("Publish() to empty subject error = %v", err)
	}
}

func TestMemoryConn_OrderedDelivery(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	const n = 100
	var mu sync.Mutex
	var got []byte
	var wg sync.WaitGroup
	wg.Add(n)

	conn.Subscribe("ordered.subject", func(m Msg) {
		mu.Lock()
		got = append(got, m.Data[0])
		mu.Unlock()
		wg.Done()
	})

	for i := 0; i < n; i++ {
		conn.Publish("ordered.subject", []byte{byte(i)})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if got[i] != byte(i) {
			t.Fatalf("Message %d arrived out of order: got %d", i, got[i])
		}
	}
}

func TestMemoryConn_ReplyPreserved(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	replyCh := make(chan string, 1)
	conn.Subscribe("req.subject", func(m Msg) {
		replyCh <- m.Reply
	})

	err := conn.PublishMsg(Msg{
		Subject: "req.subject",
		Reply:   "req.response.abc123",
		Data:    []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("PublishMsg() error = %v", err)
	}

	select {
	case reply := <-replyCh:
		if reply != "req.response.abc123" {
			t.Errorf("Reply = %q, want req.response.abc123", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryConn_Unsubscribe(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	var received atomic.Int32
	sub, err := conn.Subscribe("unsub.subject", func(m Msg) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if n := conn.NumSubscriptions(); n != 1 {
		t.Fatalf("NumSubscriptions() = %d, want 1", n)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if n := conn.NumSubscriptions(); n != 0 {
		t.Errorf("NumSubscriptions() after Unsubscribe = %d, want 0", n)
	}

	// Messages published after unsubscribe are not delivered
	conn.Publish("unsub.subject", []byte(`{}`))
	time.Sleep(50 * time.Millisecond)

	if got := received.Load(); got != 0 {
		t.Errorf("Received %d messages after unsubscribe, want 0", got)
	}
}

func TestMemoryConn_UnsubscribeTwice(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	sub, _ := conn.Subscribe("twice.subject", func(m Msg) {})

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("first Unsubscribe() error = %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe() error = %v", err)
	}
}

func TestMemoryConn_Close(t *testing.T) {
	conn := NewMemoryConn()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Operations should fail after close
	if err := conn.Publish("test", []byte(`{}`)); err == nil {
		t.Error("Publish() after Close() should error")
	}

	if _, err := conn.Subscribe("test", func(m Msg) {}); err == nil {
		t.Error("Subscribe() after Close() should error")
	}
}

func TestMemoryConn_CloseIdempotent(t *testing.T) {
	conn := NewMemoryConn()
	conn.Subscribe("test", func(m Msg) {})

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemoryConn_Concurrent(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	conn.Subscribe("concurrent", func(m Msg) {
		received.Add(1)
		wg.Done()
	})

	numPublishers := 10
	msgsPerPublisher := 100
	wg.Add(numPublishers * msgsPerPublisher)

	for p := 0; p < numPublishers; p++ {
		go func() {
			for i := 0; i < msgsPerPublisher; i++ {
				conn.Publish("concurrent", []byte(`{}`))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout: received %d messages, expected %d", received.Load(), numPublishers*msgsPerPublisher)
	}

	expected := int32(numPublishers * msgsPerPublisher)
	if got := received.Load(); got != expected {
		t.Errorf("Received %d messages, want %d", got, expected)
	}
}

func TestMemoryConn_PublisherDoesNotBlock(t *testing.T) {
	conn := NewMemoryConn()
	defer conn.Close()

	// Handler that never finishes its first message
	block := make(chan struct{})
	conn.Subscribe("slow.subject", func(m Msg) {
		<-block
	})
	defer close(block)

	start := time.Now()
	for i := 0; i < 500; i++ {
		if err := conn.Publish("slow.subject", []byte(`{}`)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publishing against a stuck consumer took %v, should not block", elapsed)
	}
}

// fakeRecorder captures bus metrics for assertions.
type fakeRecorder struct {
	mu       sync.Mutex
	subjects []string
	errs     int
}

func (r *fakeRecorder) RecordBusPublish(subject string, latencyMs int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	if err != nil {
		r.errs++
	}
}

func TestInstrumentedConn_RecordsPublish(t *testing.T) {
	inner := NewMemoryConn()
	defer inner.Close()

	rec := &fakeRecorder{}
	conn := NewInstrumentedConn(inner, rec)

	if err := conn.Publish("metrics.subject", []byte(`{}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := conn.PublishMsg(Msg{Subject: "metrics.other", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("PublishMsg() error = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.subjects) != 2 {
		t.Fatalf("Recorded %d publishes, want 2", len(rec.subjects))
	}
	if rec.subjects[0] != "metrics.subject" || rec.subjects[1] != "metrics.other" {
		t.Errorf("Recorded subjects = %v", rec.subjects)
	}
	if rec.errs != 0 {
		t.Errorf("Recorded %d errors, want 0", rec.errs)
	}
}

func TestInstrumentedConn_RecordsErrors(t *testing.T) {
	inner := NewMemoryConn()
	inner.Close() // Publishing to a closed conn errors

	rec := &fakeRecorder{}
	conn := NewInstrumentedConn(inner, rec)

	if err := conn.Publish("metrics.subject", []byte(`{}`)); err == nil {
		t.Fatal("Publish() on closed conn should error")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.errs != 1 {
		t.Errorf("Recorded %d errors, want 1", rec.errs)
	}
}
