// Package events defines the bus subjects and payloads shared by the
// invoicing services, and the emitter used for fan-out publication.
package events

import (
	"encoding/json"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// Request subjects served by the invoicing worker.
const (
	InvoiceCreate        = "invoice.create"
	InvoiceGet           = "invoice.get"
	InvoiceSend          = "invoice.send"
	PaymentCreateRequest = "payment.create.request"
)

// Fan-out subjects. Everything published here is broadcast; every
// subscriber sees every message and nobody replies.
const (
	InvoiceCreated               = "invoice.created"
	InvoiceSent                  = "invoice.sent"
	InvoicePaid                  = "invoice.paid"
	InvoiceOverdue               = "invoice.overdue"
	PaymentCompleted             = "payment.completed"
	PaymentFailed                = "payment.failed"
	ReminderScheduled            = "reminder.scheduled"
	SubscriptionInvoiceIncrement = "subscription.invoice.increment"
)

// InvoiceCreatedEvent is published after an invoice is persisted.
type InvoiceCreatedEvent struct {
	InvoiceID string    `json:"invoice_id"`
	ClientID  string    `json:"client_id"`
	Total     float64   `json:"total"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// InvoiceSentEvent is published after the rendered invoice left for the
// client's mailbox.
type InvoiceSentEvent struct {
	InvoiceID  string    `json:"invoice_id"`
	DeliveryID string    `json:"delivery_id"`
	SentAt     time.Time `json:"sent_at"`
}

// InvoicePaidEvent is published when an invoice reaches the paid state.
type InvoicePaidEvent struct {
	InvoiceID string    `json:"invoice_id"`
	PaymentID string    `json:"payment_id"`
	Amount    float64   `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

// InvoiceOverdueEvent is published by the reminder scan for each overdue
// invoice.
type InvoiceOverdueEvent struct {
	InvoiceID string    `json:"invoice_id"`
	DueDate   time.Time `json:"due_date"`
	DaysLate  int       `json:"days_late"`
}

// PaymentCompletedEvent is published after a payment settles.
type PaymentCompletedEvent struct {
	PaymentID   string    `json:"payment_id"`
	InvoiceID   string    `json:"invoice_id"`
	Amount      float64   `json:"amount"`
	CompletedAt time.Time `json:"completed_at"`
}

// PaymentFailedEvent is published when a payment attempt fails.
type PaymentFailedEvent struct {
	PaymentID string    `json:"payment_id"`
	InvoiceID string    `json:"invoice_id"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// ReminderScheduledEvent is published when a reminder run is planned.
type ReminderScheduledEvent struct {
	InvoiceID string    `json:"invoice_id"`
	RunAt     time.Time `json:"run_at"`
}

// SubscriptionUsageEvent tracks per-account invoice volume for plan
// accounting.
type SubscriptionUsageEvent struct {
	AccountID string `json:"account_id"`
	Delta     int    `json:"delta"`
}

// Emitter publishes fan-out events.
type Emitter struct {
	conn bus.Conn
	log  *logger.Logger
}

// NewEmitter creates an emitter on the given connection.
func NewEmitter(conn bus.Conn, log *logger.Logger) *Emitter {
	return &Emitter{
		conn: conn,
		log:  log.WithComponent("events"),
	}
}

// Emit publishes payload on subject. Failures are logged, never returned:
// an event that cannot be emitted must not fail the operation that caused
// it.
func (e *Emitter) Emit(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.WithError(err).Error("marshaling event", "subject", subject)
		return
	}

	if err := e.conn.Publish(subject, data); err != nil {
		e.log.WithError(err).Warn("publishing event", "subject", subject)
		return
	}

	e.log.Debug("event published", "subject", subject)
}

// On subscribes f to a fan-out subject, decoding each message into T.
// Undecodable events are logged and dropped.
func On[T any](conn bus.Conn, log *logger.Logger, subject string, f func(T)) (bus.Subscription, error) {
	return conn.Subscribe(subject, func(m bus.Msg) {
		var ev T
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.WithError(err).Warn("dropping undecodable event", "subject", subject)
			return
		}
		f(ev)
	})
}
