package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/protocol"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

// awaitReply subscribes to a reply subject and returns the delivery channel.
func awaitReply(t *testing.T, conn bus.Conn, subject string) chan bus.Msg {
	t.Helper()

	ch := make(chan bus.Msg, 2)
	if _, err := conn.Subscribe(subject, func(m bus.Msg) { ch <- m }); err != nil {
		t.Fatalf("subscribing to reply subject: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch chan bus.Msg, d time.Duration) bus.Msg {
	t.Helper()

	select {
	case m := <-ch:
		return m
	case <-time.After(d):
		t.Fatal("no reply received")
		return bus.Msg{}
	}
}

func waitForCount(t *testing.T, d time.Duration, counter *int64, want int64) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(counter) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter = %d, want %d", atomic.LoadInt64(counter), want)
}

func TestRunner_HandlesRequest(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.get", func(ctx context.Context, req *protocol.Request) (any, error) {
		var body struct {
			ID string `json:"id"`
		}
		if err := req.Decode(&body); err != nil {
			return nil, err
		}
		return map[string]string{"id": body.ID, "status": "draft"}, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	replies := awaitReply(t, conn, "invoice.get.response.req-1")

	err := conn.PublishMsg(bus.Msg{
		Subject: "invoice.get",
		Reply:   "invoice.get.response.req-1",
		Data:    []byte(`{"id":"inv-1"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	m := receive(t, replies, 2*time.Second)

	var reply struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.ID != "inv-1" || reply.Status != "draft" {
		t.Errorf("unexpected reply: %s", m.Data)
	}

	// Exactly one reply per request.
	select {
	case extra := <-replies:
		t.Fatalf("unexpected second reply: %s", extra.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunner_PanicDoesNotKillLoop(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.create", func(ctx context.Context, req *protocol.Request) (any, error) {
		var body struct {
			Boom bool `json:"boom"`
		}
		_ = req.Decode(&body)
		if body.Boom {
			panic("corrupted invoice state")
		}
		return map[string]string{"ok": "yes"}, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	boomReplies := awaitReply(t, conn, "invoice.create.response.r1")
	okReplies := awaitReply(t, conn, "invoice.create.response.r2")

	_ = conn.PublishMsg(bus.Msg{Subject: "invoice.create", Reply: "invoice.create.response.r1", Data: []byte(`{"boom":true}`)})
	_ = conn.PublishMsg(bus.Msg{Subject: "invoice.create", Reply: "invoice.create.response.r2", Data: []byte(`{"boom":false}`)})

	// The panicking message is answered with an error envelope.
	m := receive(t, boomReplies, 2*time.Second)
	env, err := protocol.DecodeEnvelope(m.Data)
	if err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if env.Err() == nil {
		t.Error("expected error envelope for panicking handler")
	}
	if env.StatusCode != 500 {
		t.Errorf("expected statusCode 500, got %d", env.StatusCode)
	}

	// And the loop keeps serving.
	m = receive(t, okReplies, 2*time.Second)
	env, err = protocol.DecodeEnvelope(m.Data)
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if env.Err() != nil {
		t.Errorf("follow-up request failed: %v", env.Err())
	}
}

func TestRunner_HandlerErrorEnvelope(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.get", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, errors.NotFoundError("invoice")
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	replies := awaitReply(t, conn, "invoice.get.response.r1")
	_ = conn.PublishMsg(bus.Msg{Subject: "invoice.get", Reply: "invoice.get.response.r1", Data: []byte(`{"id":"nope"}`)})

	m := receive(t, replies, 2*time.Second)

	var body protocol.ErrorBody
	if err := json.Unmarshal(m.Data, &body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if body.Error != "invoice not found" {
		t.Errorf("unexpected error message: %q", body.Error)
	}
	if body.StatusCode != 404 {
		t.Errorf("expected statusCode 404, got %d", body.StatusCode)
	}
}

func TestRunner_MalformedPayload(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	var handled int64
	r := New(conn, testLogger())
	r.Handle("invoice.create", func(ctx context.Context, req *protocol.Request) (any, error) {
		atomic.AddInt64(&handled, 1)
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	replies := awaitReply(t, conn, "invoice.create.response.r1")
	_ = conn.PublishMsg(bus.Msg{Subject: "invoice.create", Reply: "invoice.create.response.r1", Data: []byte(`{broken`)})

	m := receive(t, replies, 2*time.Second)

	var body protocol.ErrorBody
	if err := json.Unmarshal(m.Data, &body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if body.StatusCode != 400 {
		t.Errorf("expected statusCode 400, got %d", body.StatusCode)
	}

	// The handler never sees junk.
	if atomic.LoadInt64(&handled) != 0 {
		t.Error("handler invoked for malformed payload")
	}
}

func TestRunner_RequestIDFallbackReply(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("payment.create.request", func(ctx context.Context, req *protocol.Request) (any, error) {
		return map[string]string{"paymentId": "p-1"}, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	// No wire reply; the payload requestId drives the reply subject and
	// the ".request" suffix is dropped from it.
	replies := awaitReply(t, conn, "payment.create.response.req-7")
	_ = conn.PublishMsg(bus.Msg{Subject: "payment.create.request", Data: []byte(`{"requestId":"req-7","amount":120}`)})

	m := receive(t, replies, 2*time.Second)

	var reply struct {
		PaymentID string `json:"paymentId"`
	}
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.PaymentID != "p-1" {
		t.Errorf("unexpected reply: %s", m.Data)
	}
}

func TestRunner_FanOutMessageGetsNoReply(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	var handled int64
	r := New(conn, testLogger())
	r.Handle("payment.completed", func(ctx context.Context, req *protocol.Request) (any, error) {
		atomic.AddInt64(&handled, 1)
		if req.Reply != "" {
			t.Errorf("fan-out request has reply %q", req.Reply)
		}
		return map[string]string{"ignored": "result"}, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	if err := conn.Publish("payment.completed", []byte(`{"paymentId":"p-1"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitForCount(t, 2*time.Second, &handled, 1)
}

func TestRunner_SequentialPerSubject(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	var current, max, handled int64
	r := New(conn, testLogger())
	r.Handle("invoice.create", func(ctx context.Context, req *protocol.Request) (any, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&max)
			if cur <= old || atomic.CompareAndSwapInt64(&max, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		atomic.AddInt64(&handled, 1)
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	for i := 0; i < 10; i++ {
		_ = conn.Publish("invoice.create", []byte(`{}`))
	}

	waitForCount(t, 5*time.Second, &handled, 10)

	if got := atomic.LoadInt64(&max); got != 1 {
		t.Errorf("expected one handler at a time, saw %d", got)
	}
}

func TestRunner_ConcurrencyOption(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	var current, max, handled int64
	r := New(conn, testLogger(), Concurrency(4))
	r.Handle("invoice.send", func(ctx context.Context, req *protocol.Request) (any, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&max)
			if cur <= old || atomic.CompareAndSwapInt64(&max, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		atomic.AddInt64(&handled, 1)
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	for i := 0; i < 8; i++ {
		_ = conn.Publish("invoice.send", []byte(`{}`))
	}

	waitForCount(t, 5*time.Second, &handled, 8)

	got := atomic.LoadInt64(&max)
	if got < 2 {
		t.Errorf("expected parallel handlers, saw max %d", got)
	}
	if got > 4 {
		t.Errorf("concurrency limit exceeded: %d", got)
	}
}

func TestRunner_StopDrainsQueued(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	var handled int64
	r := New(conn, testLogger())
	r.Handle("invoice.create", func(ctx context.Context, req *protocol.Request) (any, error) {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&handled, 1)
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = conn.Publish("invoice.create", []byte(`{}`))
	}

	// Let the first message reach the loop before stopping.
	time.Sleep(30 * time.Millisecond)

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := atomic.LoadInt64(&handled); got != 3 {
		t.Errorf("expected queued messages drained, handled %d of 3", got)
	}
}

func TestRunner_StopIdempotent(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.get", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestRunner_HandleAfterStartIgnored(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.get", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	before := conn.NumSubscriptions()
	r.Handle("invoice.late", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, nil
	})

	if conn.NumSubscriptions() != before {
		t.Error("late registration created a subscription")
	}
	if len(r.Subjects()) != 1 {
		t.Errorf("late registration recorded: %v", r.Subjects())
	}
}

func TestRunner_StartTwice(t *testing.T) {
	conn := bus.NewMemoryConn()
	defer conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.get", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRunner_StartOnClosedConn(t *testing.T) {
	conn := bus.NewMemoryConn()
	conn.Close()

	r := New(conn, testLogger())
	r.Handle("invoice.get", func(ctx context.Context, req *protocol.Request) (any, error) {
		return nil, nil
	})

	if err := r.Start(context.Background()); err == nil {
		t.Error("Start on closed connection should fail")
	}
}
