package invoicing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/UgoRastell/microsaas/internal/config"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// Service implements the invoice operations behind the request
// subjects. It owns validation, totals and status transitions; the bus
// handlers stay thin.
type Service struct {
	store    Store
	renderer Renderer
	mailer   Mailer
	cfg      config.InvoicingConfig
	log      *logger.Logger
}

// NewService wires a service over its store and collaborators.
func NewService(store Store, renderer Renderer, mailer Mailer, cfg config.InvoicingConfig, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		renderer: renderer,
		mailer:   mailer,
		cfg:      cfg,
		log:      log.WithComponent("invoicing"),
	}
}

// DefaultAccountID scopes invoices created by callers that do not carry
// an account of their own, single-tenant deployments mostly.
const DefaultAccountID = "default"

// CreateInput is the payload for creating an invoice. Zero Currency and
// NetDays fall back to the configured defaults; an absent account id
// falls back to DefaultAccountID.
type CreateInput struct {
	AccountID   string     `json:"account_id"`
	ClientID    string     `json:"customer_id"`
	ClientEmail string     `json:"customer_email"`
	Currency    string     `json:"currency"`
	Items       []LineItem `json:"items"`
	NetDays     int        `json:"net_days"`
}

// UnmarshalJSON accepts the canonical snake_case keys plus the camelCase
// spellings older callers still use. customer_id and client_id are the
// same field under two names.
func (in *CreateInput) UnmarshalJSON(data []byte) error {
	type wire struct {
		AccountID     string     `json:"account_id"`
		AccountIDCC   string     `json:"accountId"`
		CustomerID    string     `json:"customer_id"`
		ClientID      string     `json:"client_id"`
		ClientIDCC    string     `json:"clientId"`
		ClientEmail   string     `json:"customer_email"`
		ClientEmailCC string     `json:"clientEmail"`
		Currency      string     `json:"currency"`
		Items         []LineItem `json:"items"`
		NetDays       int        `json:"net_days"`
		NetDaysCC     int        `json:"netDays"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	in.AccountID = firstNonEmpty(w.AccountID, w.AccountIDCC)
	in.ClientID = firstNonEmpty(w.CustomerID, w.ClientID, w.ClientIDCC)
	in.ClientEmail = firstNonEmpty(w.ClientEmail, w.ClientEmailCC)
	in.Currency = w.Currency
	in.Items = w.Items
	in.NetDays = w.NetDays
	if in.NetDays == 0 {
		in.NetDays = w.NetDaysCC
	}
	return nil
}

// PaymentInput is the payload for recording a payment.
type PaymentInput struct {
	InvoiceID string  `json:"invoice_id"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
}

// UnmarshalJSON accepts invoice_id and the older invoiceId spelling.
func (in *PaymentInput) UnmarshalJSON(data []byte) error {
	type wire struct {
		InvoiceID   string  `json:"invoice_id"`
		InvoiceIDCC string  `json:"invoiceId"`
		Amount      float64 `json:"amount"`
		Method      string  `json:"method"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	in.InvoiceID = firstNonEmpty(w.InvoiceID, w.InvoiceIDCC)
	in.Amount = w.Amount
	in.Method = w.Method
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Create validates the input, computes totals with the configured tax
// rate and persists a draft invoice.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Invoice, error) {
	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" {
		accountID = DefaultAccountID
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}
	netDays := in.NetDays
	if netDays <= 0 {
		netDays = s.cfg.OverdueAfterDays
	}

	items := make([]LineItem, len(in.Items))
	copy(items, in.Items)

	inv := NewInvoice(accountID, in.ClientID, items, currency, s.cfg.TaxRate, netDays)
	inv.ClientEmail = strings.TrimSpace(in.ClientEmail)

	if err := inv.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Info("invoice created",
		"invoice_id", inv.ID,
		"client_id", inv.ClientID,
		"total", inv.Total,
		"currency", inv.Currency,
	)
	return inv, nil
}

// Get returns one invoice by id.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	if id == "" {
		return nil, errors.ValidationError("invoice id is required")
	}
	return s.store.GetInvoice(ctx, id)
}

// Send renders the invoice document, mails it to the client and marks
// the invoice sent. Resending a sent invoice is allowed and keeps the
// original SentAt. Returns the refreshed invoice and the delivery id.
func (s *Service) Send(ctx context.Context, id string) (*Invoice, string, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if inv.ClientEmail == "" {
		return nil, "", errors.ValidationError("invoice has no client email")
	}

	doc, err := s.renderer.RenderPDF(ctx, inv)
	if err != nil {
		return nil, "", err
	}

	deliveryID, err := s.mailer.Send(ctx, SendInput{
		To:         inv.ClientEmail,
		Subject:    fmt.Sprintf("Invoice %s", inv.Number),
		Body:       fmt.Sprintf("Please find invoice %s attached. Amount due: %.2f %s by %s.", inv.Number, inv.Total, inv.Currency, inv.DueAt.Format("2006-01-02")),
		Attachment: doc,
		Filename:   inv.Number + ".pdf",
	})
	if err != nil {
		return nil, "", err
	}

	if err := s.store.UpdateStatus(ctx, id, StatusSent); err != nil {
		return nil, "", err
	}

	inv, err = s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, "", err
	}

	s.log.WithContext(ctx).Info("invoice sent",
		"invoice_id", inv.ID,
		"delivery_id", deliveryID,
		"to", inv.ClientEmail,
	)
	return inv, deliveryID, nil
}

// Pay records a payment and marks the invoice paid once the recorded
// payments cover the total. Returns the payment and the refreshed
// invoice.
func (s *Service) Pay(ctx context.Context, in PaymentInput) (*Payment, *Invoice, error) {
	if in.InvoiceID == "" {
		return nil, nil, errors.ValidationError("invoice id is required")
	}
	if in.Amount <= 0 {
		return nil, nil, errors.ValidationError("payment amount must be positive")
	}

	inv, err := s.store.GetInvoice(ctx, in.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	if inv.Status == StatusPaid {
		return nil, nil, errors.ValidationError(fmt.Sprintf("invoice %s is already paid", inv.ID))
	}

	p := NewPayment(in.InvoiceID, in.Amount, in.Method)
	if err := s.store.RecordPayment(ctx, p); err != nil {
		return nil, nil, err
	}

	inv, err = s.store.GetInvoice(ctx, in.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	if inv.Outstanding() == 0 {
		if err := s.store.UpdateStatus(ctx, inv.ID, StatusPaid); err != nil {
			return nil, nil, err
		}
		inv, err = s.store.GetInvoice(ctx, in.InvoiceID)
		if err != nil {
			return nil, nil, err
		}
	}

	s.log.WithContext(ctx).Info("payment recorded",
		"payment_id", p.ID,
		"invoice_id", inv.ID,
		"amount", p.Amount,
		"outstanding", inv.Outstanding(),
		"status", string(inv.Status),
	)
	return p, inv, nil
}

// Overdue lists unpaid invoices past due at asOf.
func (s *Service) Overdue(ctx context.Context, asOf time.Time) ([]*Invoice, error) {
	return s.store.ListOverdue(ctx, asOf)
}

// MarkOverdue transitions an invoice to the overdue status.
func (s *Service) MarkOverdue(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, StatusOverdue)
}

// Remind mails a payment reminder for an overdue invoice. Invoices
// without a client email are skipped with an empty delivery id.
func (s *Service) Remind(ctx context.Context, inv *Invoice, asOf time.Time) (string, error) {
	if inv.ClientEmail == "" {
		s.log.Warn("skipping reminder, no client email", "invoice_id", inv.ID)
		return "", nil
	}

	daysLate := inv.DaysLate(asOf)
	deliveryID, err := s.mailer.Send(ctx, SendInput{
		To:      inv.ClientEmail,
		Subject: fmt.Sprintf("Payment reminder: invoice %s", inv.Number),
		Body:    fmt.Sprintf("Invoice %s for %.2f %s was due on %s and is now %d days late. Outstanding amount: %.2f %s.", inv.Number, inv.Total, inv.Currency, inv.DueAt.Format("2006-01-02"), daysLate, inv.Outstanding(), inv.Currency),
	})
	if err != nil {
		return "", err
	}

	s.log.Info("reminder sent",
		"invoice_id", inv.ID,
		"delivery_id", deliveryID,
		"days_late", daysLate,
	)
	return deliveryID, nil
}
