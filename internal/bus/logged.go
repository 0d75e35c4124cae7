package bus

import (
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// JournaledConn wraps a Conn and records every published message in a
// Journal. Useful for debugging what actually went over the bus.
type JournaledConn struct {
	inner   Conn
	journal *Journal
	log     *logger.Logger
}

// NewJournaledConn creates a journaled connection. Messages are journaled
// before being handed to the inner connection.
func NewJournaledConn(inner Conn, journal *Journal, log *logger.Logger) *JournaledConn {
	if log == nil {
		log = logger.Default()
	}
	return &JournaledConn{
		inner:   inner,
		journal: journal,
		log:     log,
	}
}

// Publish journals the message and delegates to the inner connection.
func (c *JournaledConn) Publish(subject string, data []byte) error {
	return c.PublishMsg(Msg{Subject: subject, Data: data})
}

// PublishMsg journals the message and delegates to the inner connection.
func (c *JournaledConn) PublishMsg(m Msg) error {
	// Journal first, best-effort
	if err := c.journal.Log(m); err != nil {
		c.log.Warn("failed to journal message",
			"subject", m.Subject,
			"error", err.Error(),
		)
	}

	return c.inner.PublishMsg(m)
}

// Subscribe delegates to the inner connection.
func (c *JournaledConn) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	return c.inner.Subscribe(subject, h)
}

// NumSubscriptions delegates to the inner connection.
func (c *JournaledConn) NumSubscriptions() int {
	return c.inner.NumSubscriptions()
}

// Close closes the journal, then the inner connection.
func (c *JournaledConn) Close() error {
	if err := c.journal.Close(); err != nil {
		c.log.Warn("failed to close journal",
			"error", err.Error(),
		)
	}

	return c.inner.Close()
}

var _ Conn = (*JournaledConn)(nil)
