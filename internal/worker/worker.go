// Package worker runs bus subscription loops for request handlers.
//
// Each registered subject gets its own subscription and a queue drained by
// a dedicated goroutine, so one slow subject never stalls another and
// messages on a subject are handled one at a time unless a concurrency
// limit says otherwise. A handler failure or panic is caught per message,
// answered with an error envelope and never kills the loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/UgoRastell/microsaas/internal/bus"
	reqctx "github.com/UgoRastell/microsaas/internal/pkg/context"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/pkg/security"
	"github.com/UgoRastell/microsaas/internal/protocol"
)

const defaultQueueSize = 64

// HandlerFunc processes one decoded request and returns the reply body.
// A nil result replies with an empty object; an error replies with an
// error envelope.
type HandlerFunc func(ctx context.Context, req *protocol.Request) (any, error)

// Recorder records handled messages for metrics.
type Recorder interface {
	RecordHandled(subject, outcome string, latencyMs int64)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// Concurrency allows up to n handlers in flight per subject. Zero or one
// keeps the strict one-at-a-time ordering.
func Concurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithStopTimeout bounds how long Stop waits for in-flight handlers.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// WithQueueSize sets the per-subject queue depth.
func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.rec = rec }
}

// Runner subscribes registered handlers and feeds them inbound messages.
type Runner struct {
	conn        bus.Conn
	log         *logger.Logger
	concurrency int
	stopTimeout time.Duration
	queueSize   int
	rec         Recorder

	mu       sync.Mutex
	order    []string
	handlers map[string]HandlerFunc
	loops    []*subjectLoop
	started  bool
	stopped  bool

	quit     chan struct{}
	loopWg   sync.WaitGroup
	inflight sync.WaitGroup
}

// subjectLoop is the subscription and queue for one subject.
type subjectLoop struct {
	subject string
	handler HandlerFunc
	queue   chan bus.Msg
	sub     bus.Subscription
	sem     *semaphore.Weighted
}

// New creates a runner on the given connection.
func New(conn bus.Conn, log *logger.Logger, opts ...Option) *Runner {
	r := &Runner{
		conn:        conn,
		log:         log.WithComponent("worker"),
		stopTimeout: 10 * time.Second,
		queueSize:   defaultQueueSize,
		handlers:    make(map[string]HandlerFunc),
		quit:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Handle registers a handler for a subject. Must be called before Start;
// late registrations are logged and ignored. Registering a subject twice
// replaces the earlier handler.
func (r *Runner) Handle(subject string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		r.log.Error("handler registered after start, ignoring", "subject", subject)
		return
	}

	if _, dup := r.handlers[subject]; dup {
		r.log.Warn("replacing handler", "subject", subject)
	} else {
		r.order = append(r.order, subject)
	}
	r.handlers[subject] = h
}

// Start subscribes every registered subject and starts its loop. The
// context is handed to handlers and cancels them on shutdown.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New(errors.CodeInvalidRequest, "worker already started")
	}
	if r.stopped {
		return errors.ShutdownError("worker already stopped")
	}

	for _, subject := range r.order {
		l := &subjectLoop{
			subject: subject,
			handler: r.handlers[subject],
			queue:   make(chan bus.Msg, r.queueSize),
		}
		if r.concurrency > 1 {
			l.sem = semaphore.NewWeighted(int64(r.concurrency))
		}

		sub, err := r.conn.Subscribe(subject, func(m bus.Msg) {
			select {
			case l.queue <- m:
			case <-r.quit:
			}
		})
		if err != nil {
			for _, prev := range r.loops {
				_ = prev.sub.Unsubscribe()
			}
			r.loops = nil
			return errors.Wrap(errors.CodeConnection, fmt.Sprintf("subscribing to %s", subject), err)
		}

		l.sub = sub
		r.loops = append(r.loops, l)

		r.loopWg.Add(1)
		go r.run(ctx, l)

		r.log.Info("worker subscribed", "subject", subject)
	}

	r.started = true
	return nil
}

// Subjects returns the registered subjects in registration order.
func (r *Runner) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Stop unsubscribes everything and waits for in-flight handlers, up to
// the stop timeout. Safe to call more than once.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	loops := r.loops
	r.mu.Unlock()

	for _, l := range loops {
		if err := l.sub.Unsubscribe(); err != nil {
			r.log.Warn("unsubscribe failed", "subject", l.subject, "error", err)
		}
	}

	close(r.quit)

	done := make(chan struct{})
	go func() {
		r.loopWg.Wait()
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("worker stopped")
		return nil
	case <-time.After(r.stopTimeout):
		r.log.Warn("worker drain timed out")
		return errors.TimeoutError("worker drain")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains one subject queue until the runner stops, then finishes
// whatever is already queued.
func (r *Runner) run(ctx context.Context, l *subjectLoop) {
	defer r.loopWg.Done()

	for {
		select {
		case m := <-l.queue:
			r.dispatch(ctx, l, m)
		case <-r.quit:
			for {
				select {
				case m := <-l.queue:
					r.dispatch(ctx, l, m)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, l *subjectLoop, m bus.Msg) {
	if l.sem == nil {
		r.process(ctx, l.subject, l.handler, m)
		return
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		// context canceled mid-shutdown
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer l.sem.Release(1)
		r.process(ctx, l.subject, l.handler, m)
	}()
}

// process runs the handler for one message and publishes exactly one
// reply when the message has a reply address.
func (r *Runner) process(ctx context.Context, subject string, h HandlerFunc, m bus.Msg) {
	start := time.Now()

	req := &protocol.Request{
		Subject:   subject,
		Reply:     protocol.ResolveReply(subject, m.Reply, m.Data),
		RequestID: protocol.RequestID(m.Data),
		Data:      m.Data,
	}

	if len(m.Data) > 0 && !json.Valid(m.Data) {
		r.log.Warn("malformed payload", "subject", subject, "payload", preview(m.Data))
		r.replyError(req, errors.DecodeError("request payload is not valid JSON", nil))
		r.record(subject, "decode_error", start)
		return
	}

	if req.RequestID != "" {
		ctx = reqctx.WithRequestID(ctx, req.RequestID)
	}

	result, err := r.invoke(ctx, h, req)
	if err != nil {
		r.log.WithContext(ctx).WithError(err).Error("handler failed", "subject", subject)
		r.replyError(req, err)
		r.record(subject, "error", start)
		return
	}

	r.replySuccess(req, result)
	r.record(subject, "ok", start)
}

// invoke calls the handler, converting a panic into a handler error so
// the loop survives.
func (r *Runner) invoke(ctx context.Context, h HandlerFunc, req *protocol.Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked", "subject", req.Subject, "panic", fmt.Sprintf("%v", rec))
			err = errors.HandlerError("handler panicked", fmt.Errorf("%v", rec))
		}
	}()

	return h(ctx, req)
}

func (r *Runner) replySuccess(req *protocol.Request, result any) {
	if req.Reply == "" {
		return
	}

	data, err := protocol.EncodeResult(result)
	if err != nil {
		r.replyError(req, err)
		return
	}
	if err := r.conn.Publish(req.Reply, data); err != nil {
		r.log.WithError(err).Warn("publishing reply failed", "subject", req.Reply)
	}
}

func (r *Runner) replyError(req *protocol.Request, cause error) {
	if req.Reply == "" {
		return
	}

	if err := r.conn.Publish(req.Reply, protocol.EncodeError(cause)); err != nil {
		r.log.WithError(err).Warn("publishing error reply failed", "subject", req.Reply)
	}
}

func (r *Runner) record(subject, outcome string, start time.Time) {
	if r.rec == nil {
		return
	}
	r.rec.RecordHandled(subject, outcome, time.Since(start).Milliseconds())
}

// preview truncates and sanitizes a payload for log output.
func preview(data []byte) string {
	return security.SanitizeForLogWithLength(string(data), 256)
}
