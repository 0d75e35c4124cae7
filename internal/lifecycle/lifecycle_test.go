package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

// closeTracker records when the bus connection is closed relative to the
// registered closers.
type closeTracker struct {
	*bus.MemoryConn
	mu    *sync.Mutex
	order *[]string
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	*c.order = append(*c.order, "conn")
	c.mu.Unlock()
	return c.MemoryConn.Close()
}

func TestManager_StateTransitions(t *testing.T) {
	m := New(nil, testLogger())

	if m.State() != StateStarting {
		t.Errorf("initial state = %s, want starting", m.State())
	}
	if m.Ready() {
		t.Error("Ready() = true before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !m.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Ready() {
		t.Fatal("never reached running state")
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v on clean cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if m.State() != StateStopped {
		t.Errorf("final state = %s, want stopped", m.State())
	}

	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after shutdown")
	}
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	var closed int64

	m := New(nil, testLogger())
	m.OnShutdown("counter", func(ctx context.Context) error {
		atomic.AddInt64(&closed, 1)
		return nil
	})

	m.Shutdown()
	m.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&closed); got != 1 {
		t.Errorf("closer ran %d times, want 1", got)
	}
}

func TestManager_ClosersReverseOrderConnLast(t *testing.T) {
	var mu sync.Mutex
	var order []string

	conn := &closeTracker{MemoryConn: bus.NewMemoryConn(), mu: &mu, order: &order}
	m := New(conn, testLogger())

	for _, name := range []string{"server", "worker", "client"} {
		name := name
		m.OnShutdown(name, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()

	want := []string{"client", "worker", "server", "conn"}
	if len(order) != len(want) {
		t.Fatalf("shutdown order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("shutdown order = %v, want %v", order, want)
		}
	}
}

func TestManager_CloserFailureDoesNotStopSequence(t *testing.T) {
	var ran int64

	m := New(nil, testLogger())
	m.OnShutdown("first", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	m.OnShutdown("broken", func(ctx context.Context) error {
		return fmt.Errorf("resource busy")
	})

	m.Shutdown()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("closer after the failing one did not run")
	}
	if m.State() != StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
}

func TestManager_StuckCloserAbandoned(t *testing.T) {
	m := New(nil, testLogger(), WithCloserTimeout(50*time.Millisecond))
	m.OnShutdown("stuck", func(ctx context.Context) error {
		time.Sleep(5 * time.Second) // ignores ctx on purpose
		return nil
	})

	start := time.Now()
	m.Shutdown()
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("shutdown waited %v for a stuck closer", elapsed)
	}
	if m.State() != StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
}

func TestManager_FailTriggersShutdown(t *testing.T) {
	m := New(nil, testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !m.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cause := fmt.Errorf("bus connection lost")
	m.Fail(cause)
	m.Fail(fmt.Errorf("second failure ignored"))

	select {
	case err := <-errCh:
		if err != cause {
			t.Errorf("Run returned %v, want %v", err, cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Fail")
	}

	if m.State() != StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
}

func TestManager_RegistrationDuringShutdownIgnored(t *testing.T) {
	var late int64

	m := New(nil, testLogger())
	m.Shutdown()

	m.OnShutdown("late", func(ctx context.Context) error {
		atomic.AddInt64(&late, 1)
		return nil
	})
	m.Shutdown()

	if atomic.LoadInt64(&late) != 0 {
		t.Error("closer registered after shutdown was executed")
	}
}
