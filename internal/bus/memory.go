package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
)

// MemoryConn is an in-process pub/sub connection. Each subscription gets
// its own dispatch goroutine so messages on one subject are handled in
// publish order while subjects stay independent. Publish never blocks the
// caller.
type MemoryConn struct {
	mu       sync.RWMutex
	subs     map[string][]*memorySub
	closed   bool
	dispatch sync.WaitGroup
}

// NewMemoryConn creates a new in-memory connection.
func NewMemoryConn() *MemoryConn {
	return &MemoryConn{
		subs: make(map[string][]*memorySub),
	}
}

// Publish sends data to all current subscribers of subject.
func (c *MemoryConn) Publish(subject string, data []byte) error {
	return c.PublishMsg(Msg{Subject: subject, Data: data})
}

// PublishMsg sends a message to all current subscribers of its subject.
func (c *MemoryConn) PublishMsg(m Msg) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	subs, ok := c.subs[m.Subject]
	if !ok || len(subs) == 0 {
		return nil // No subscribers, not an error
	}

	for _, s := range subs {
		s.enqueue(m)
	}

	return nil
}

// Subscribe registers a handler for a subject.
func (c *MemoryConn) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New(errors.CodeUnavailable, "bus is closed")
	}

	s := &memorySub{
		conn:    c,
		subject: subject,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.subs[subject] = append(c.subs[subject], s)

	c.dispatch.Add(1)
	go s.loop(&c.dispatch)

	return s, nil
}

// NumSubscriptions returns the number of live subscriptions.
func (c *MemoryConn) NumSubscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, subs := range c.subs {
		n += len(subs)
	}
	return n
}

// Close unsubscribes everything and waits for in-flight handlers.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var all []*memorySub
	for _, subs := range c.subs {
		all = append(all, subs...)
	}
	c.subs = make(map[string][]*memorySub)
	c.mu.Unlock()

	for _, s := range all {
		s.stop()
	}

	// Wait for dispatch goroutines with timeout
	done := make(chan struct{})
	go func() {
		c.dispatch.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All handlers completed
	case <-time.After(10 * time.Second):
		fmt.Println("bus: drain timeout reached, some handlers may not have completed")
	}

	return nil
}

// memorySub is one subscription with an ordered, unbounded queue.
type memorySub struct {
	conn    *MemoryConn
	subject string
	handler MsgHandler

	mu    sync.Mutex
	queue []Msg

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *memorySub) enqueue(m Msg) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop drains the queue in order. The current handler always runs to
// completion; unsubscribe takes effect between messages.
func (s *memorySub) loop(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(m)

			s.mu.Lock()
		}
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case <-s.wake:
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Unsubscribe stops delivery and removes the subscription.
func (s *memorySub) Unsubscribe() error {
	s.conn.mu.Lock()
	subs := s.conn.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.conn.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.conn.subs[s.subject]) == 0 {
		delete(s.conn.subs, s.subject)
	}
	s.conn.mu.Unlock()

	s.stop()
	return nil
}

// Subject returns the subscribed subject.
func (s *memorySub) Subject() string {
	return s.subject
}

var _ Conn = (*MemoryConn)(nil)
var _ Subscription = (*memorySub)(nil)
