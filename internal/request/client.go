// Package request implements the request/reply correlation layer on top of
// the message bus.
//
// Each call mints a correlation id, subscribes to the derived reply subject
// before publishing, then waits for the first reply, a timeout, caller
// cancellation or client shutdown, whichever comes first. A call settles
// exactly once and always tears its reply subscription down, so the
// subscription count returns to its baseline no matter how the call ends.
package request

import (
	"context"
	"sync"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/protocol"
)

const (
	// DefaultTimeout bounds ordinary request/reply calls.
	DefaultTimeout = 5 * time.Second

	// DefaultSlowTimeout bounds calls that fan out to slow collaborators,
	// rendering and mail delivery mostly.
	DefaultSlowTimeout = 10 * time.Second
)

// Recorder records request outcomes for metrics.
type Recorder interface {
	RecordRequest(subject, outcome string, latencyMs int64)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSlowTimeout overrides the timeout reported by SlowTimeout.
func WithSlowTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.slowTimeout = d
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(c *Client) { c.rec = rec }
}

// Client issues correlated requests over the bus.
type Client struct {
	conn        bus.Conn
	log         *logger.Logger
	timeout     time.Duration
	slowTimeout time.Duration
	rec         Recorder

	mu       sync.Mutex
	pending  map[string]*call
	down     bool
	downErr  error
	shutdown chan struct{}
}

// call is one in-flight request.
type call struct {
	id      string
	subject string
	settle  sync.Once
}

// New creates a request client on the given connection.
func New(conn bus.Conn, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		log:         logger.Default(),
		timeout:     DefaultTimeout,
		slowTimeout: DefaultSlowTimeout,
		pending:     make(map[string]*call),
		shutdown:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Request publishes payload on subject and waits for the correlated reply.
// A timeout of 0 uses the client default. The returned envelope may still
// carry a handler failure; check Envelope.Err.
func (c *Client) Request(ctx context.Context, subject string, payload any, timeout time.Duration) (*protocol.Envelope, error) {
	start := time.Now()

	if err := c.rejectIfDown(); err != nil {
		c.record(subject, "shutdown", start)
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.timeout
	}

	id := protocol.NewCorrelationID()
	replySubject := protocol.ReplySubject(subject, id)

	// Subscribe before publishing so a fast worker cannot reply into the
	// void. The handler forwards only the first delivery; anything after
	// that is a duplicate and is dropped.
	replyCh := make(chan bus.Msg, 1)
	sub, err := c.conn.Subscribe(replySubject, func(m bus.Msg) {
		select {
		case replyCh <- m:
		default:
		}
	})
	if err != nil {
		c.record(subject, "error", start)
		return nil, errors.Wrap(errors.CodeConnection, "subscribing to reply subject", err)
	}

	cl := &call{id: id, subject: subject}
	c.track(cl)

	// Every exit path settles through here exactly once, including the
	// early marshal and publish failures below.
	settle := func() {
		cl.settle.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				c.log.Warn("reply unsubscribe failed", "subject", replySubject, "error", err)
			}
			c.untrack(cl)
		})
	}
	defer settle()

	data, err := protocol.EncodeRequest(payload, id)
	if err != nil {
		c.record(subject, "error", start)
		return nil, err
	}

	if err := c.conn.PublishMsg(bus.Msg{Subject: subject, Reply: replySubject, Data: data}); err != nil {
		c.record(subject, "error", start)
		return nil, errors.Wrap(errors.CodeConnection, "publishing request", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-replyCh:
		env, err := protocol.DecodeEnvelope(m.Data)
		if err != nil {
			c.record(subject, "error", start)
			return nil, err
		}
		c.record(subject, "ok", start)
		return env, nil

	case <-timer.C:
		// The reply may still arrive later; it lands on the unsubscribed
		// reply subject and is dropped there.
		c.record(subject, "timeout", start)
		return nil, errors.TimeoutError(subject)

	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			c.record(subject, "timeout", start)
			return nil, errors.TimeoutError(subject)
		}
		c.record(subject, "canceled", start)
		return nil, ctx.Err()

	case <-c.shutdown:
		c.record(subject, "shutdown", start)
		return nil, c.shutdownReason()
	}
}

// SlowTimeout returns the configured timeout for slow calls.
func (c *Client) SlowTimeout() time.Duration {
	return c.slowTimeout
}

// Pending returns the number of in-flight requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Shutdown rejects all pending requests and makes future ones fail fast.
// Safe to call more than once; err annotates the rejection reason and may
// be nil.
func (c *Client) Shutdown(err error) {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	c.down = true

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.downErr = errors.ShutdownError(reason)

	pending := len(c.pending)
	close(c.shutdown)
	c.mu.Unlock()

	if pending > 0 {
		c.log.Info("rejecting pending requests", "count", pending)
	}
}

func (c *Client) rejectIfDown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return c.downErr
	}
	return nil
}

func (c *Client) shutdownReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downErr
}

func (c *Client) track(cl *call) {
	c.mu.Lock()
	c.pending[cl.id] = cl
	c.mu.Unlock()
}

func (c *Client) untrack(cl *call) {
	c.mu.Lock()
	delete(c.pending, cl.id)
	c.mu.Unlock()
}

func (c *Client) record(subject, outcome string, start time.Time) {
	if c.rec == nil {
		return
	}
	c.rec.RecordRequest(subject, outcome, time.Since(start).Milliseconds())
}
