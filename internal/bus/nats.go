package bus

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// NATSConn is a core NATS implementation of Conn. Core (non-persistent)
// pub/sub only: no JetStream, no replay. Reconnects forever with a fixed
// wait; while disconnected, publishes go to the client's reconnect buffer
// instead of failing.
type NATSConn struct {
	nc  *nats.Conn
	log *logger.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // Broker URL, e.g. "nats://127.0.0.1:4222"
	Name          string        // Client name shown in NATS monitoring
	ReconnectWait time.Duration // Fixed delay between reconnect attempts
}

// NewNATSConn connects to NATS. Failure to reach the broker is a
// ConnectionError; at startup that is fatal.
func NewNATSConn(cfg NATSConfig, log *logger.Logger) (*NATSConn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "microsaas"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if log == nil {
		log = logger.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1), // reconnect forever
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.ConnectionError("connecting to nats at "+cfg.URL, err)
	}

	return &NATSConn{nc: nc, log: log}, nil
}

// Publish sends data to a subject. Fire-and-forget.
func (c *NATSConn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "publishing to "+subject, err)
	}
	return nil
}

// PublishMsg sends a message, carrying its Reply address on the wire.
func (c *NATSConn) PublishMsg(m Msg) error {
	err := c.nc.PublishMsg(&nats.Msg{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
	})
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "publishing to "+m.Subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (c *NATSConn) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		h(Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "subscribing to "+subject, err)
	}
	return &natsSub{sub: sub}, nil
}

// NumSubscriptions returns the number of live subscriptions.
func (c *NATSConn) NumSubscriptions() int {
	return c.nc.NumSubscriptions()
}

// Close drains active subscriptions and closes the connection. Idempotent.
func (c *NATSConn) Close() error {
	if c.nc.IsClosed() {
		return nil
	}

	done := make(chan struct{})
	c.nc.SetClosedHandler(func(*nats.Conn) {
		close(done)
	})

	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return nil
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.log.Warn("nats drain timeout, forcing close")
		c.nc.Close()
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSub) Subject() string {
	return s.sub.Subject
}

var _ Conn = (*NATSConn)(nil)
var _ Subscription = (*natsSub)(nil)
