package invoicing

import (
	"context"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/events"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// UsageConsumer listens for settled payments and feeds the per-account
// invoice counter used by plan accounting. It is a plain fan-out
// subscriber: it never replies and losing it never blocks a payment.
type UsageConsumer struct {
	conn    bus.Conn
	store   Store
	emitter *events.Emitter
	log     *logger.Logger
	sub     bus.Subscription
}

// NewUsageConsumer wires a consumer over the shared connection.
func NewUsageConsumer(conn bus.Conn, store Store, emitter *events.Emitter, log *logger.Logger) *UsageConsumer {
	return &UsageConsumer{
		conn:    conn,
		store:   store,
		emitter: emitter,
		log:     log.WithComponent("usage"),
	}
}

// Start subscribes to payment.completed.
func (c *UsageConsumer) Start() error {
	sub, err := events.On(c.conn, c.log, events.PaymentCompleted, c.onPaymentCompleted)
	if err != nil {
		return err
	}
	c.sub = sub
	c.log.Info("usage consumer started", "subject", events.PaymentCompleted)
	return nil
}

// Close drops the subscription.
func (c *UsageConsumer) Close() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Unsubscribe()
	c.sub = nil
	return err
}

func (c *UsageConsumer) onPaymentCompleted(ev events.PaymentCompletedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv, err := c.store.GetInvoice(ctx, ev.InvoiceID)
	if err != nil {
		c.log.WithError(err).Warn("cannot resolve account for payment",
			"payment_id", ev.PaymentID,
			"invoice_id", ev.InvoiceID,
		)
		return
	}

	c.emitter.Emit(events.SubscriptionInvoiceIncrement, events.SubscriptionUsageEvent{
		AccountID: inv.AccountID,
		Delta:     1,
	})
	c.log.Debug("usage incremented",
		"account_id", inv.AccountID,
		"invoice_id", inv.ID,
	)
}
