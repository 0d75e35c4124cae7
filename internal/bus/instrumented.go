package bus

import (
	"time"
)

// Recorder is an interface for recording bus metrics.
// This avoids import cycles with the metrics package.
type Recorder interface {
	RecordBusPublish(subject string, latencyMs int64, err error)
}

// InstrumentedConn wraps a Conn with metrics instrumentation.
type InstrumentedConn struct {
	inner Conn
	rec   Recorder
}

// NewInstrumentedConn creates a connection that records publish metrics.
func NewInstrumentedConn(inner Conn, rec Recorder) *InstrumentedConn {
	return &InstrumentedConn{
		inner: inner,
		rec:   rec,
	}
}

// Publish publishes and records latency and outcome.
func (c *InstrumentedConn) Publish(subject string, data []byte) error {
	start := time.Now()
	err := c.inner.Publish(subject, data)
	latencyMs := time.Since(start).Milliseconds()

	if c.rec != nil {
		c.rec.RecordBusPublish(subject, latencyMs, err)
	}

	return err
}

// PublishMsg publishes and records latency and outcome.
func (c *InstrumentedConn) PublishMsg(m Msg) error {
	start := time.Now()
	err := c.inner.PublishMsg(m)
	latencyMs := time.Since(start).Milliseconds()

	if c.rec != nil {
		c.rec.RecordBusPublish(m.Subject, latencyMs, err)
	}

	return err
}

// Subscribe delegates to the inner connection.
func (c *InstrumentedConn) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	return c.inner.Subscribe(subject, h)
}

// NumSubscriptions delegates to the inner connection.
func (c *InstrumentedConn) NumSubscriptions() int {
	return c.inner.NumSubscriptions()
}

// Close closes the underlying connection.
func (c *InstrumentedConn) Close() error {
	return c.inner.Close()
}

var _ Conn = (*InstrumentedConn)(nil)
