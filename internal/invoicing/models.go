// Package invoicing holds the invoice domain: models, persistence, the
// business service and the bus handlers serving the invoice.* and
// payment.* request subjects.
package invoicing

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
)

// Status is the lifecycle state of an invoice.
type Status string

const (
	// StatusDraft marks a created invoice not yet sent to the client.
	StatusDraft Status = "draft"
	// StatusSent marks an invoice delivered to the client's mailbox.
	StatusSent Status = "sent"
	// StatusPaid marks an invoice fully covered by recorded payments.
	StatusPaid Status = "paid"
	// StatusOverdue marks an unpaid invoice past its due date.
	StatusOverdue Status = "overdue"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

const (
	// MaxLineItems caps the number of lines on one invoice.
	MaxLineItems = 100

	// MaxDescriptionLength caps a line item description.
	MaxDescriptionLength = 500
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// LineItem is one billable line on an invoice. Amount is derived, never
// taken from input.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// UnmarshalJSON accepts both the canonical unit_price key and the
// camelCase unitPrice some callers still send.
func (li *LineItem) UnmarshalJSON(data []byte) error {
	type wire struct {
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UnitPrice   float64 `json:"unit_price"`
		UnitPriceCC float64 `json:"unitPrice"`
		Amount      float64 `json:"amount"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	li.Description = w.Description
	li.Quantity = w.Quantity
	li.UnitPrice = w.UnitPrice
	if li.UnitPrice == 0 {
		li.UnitPrice = w.UnitPriceCC
	}
	li.Amount = w.Amount
	return nil
}

// Payment is one recorded payment against an invoice.
type Payment struct {
	ID         string    `json:"id"`
	InvoiceID  string    `json:"invoice_id"`
	Amount     float64   `json:"amount"`
	Method     string    `json:"method,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Invoice is the aggregate served by the request subjects. Monetary
// fields are derived from Items and TaxRate on construction and kept
// rounded to cents.
type Invoice struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	AccountID   string     `json:"account_id"`
	ClientID    string     `json:"customer_id"`
	ClientEmail string     `json:"customer_email,omitempty"`
	Items       []LineItem `json:"items"`
	Currency    string     `json:"currency"`
	TaxRate     float64    `json:"tax_rate"`
	Subtotal    float64    `json:"subtotal"`
	Tax         float64    `json:"tax"`
	Total       float64    `json:"total_amount"`
	Status      Status     `json:"status"`
	IssuedAt    time.Time  `json:"issued_at"`
	DueAt       time.Time  `json:"due_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	Payments    []Payment  `json:"payments,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewInvoice builds a draft invoice, computes its totals and stamps
// issue and due dates. Validation is the caller's job.
func NewInvoice(accountID, clientID string, items []LineItem, currency string, taxRate float64, netDays int) *Invoice {
	now := time.Now().UTC()
	inv := &Invoice{
		ID:        newID("inv"),
		AccountID: accountID,
		ClientID:  clientID,
		Items:     items,
		Currency:  currency,
		TaxRate:   taxRate,
		Status:    StatusDraft,
		IssuedAt:  now,
		DueAt:     now.AddDate(0, 0, netDays),
		UpdatedAt: now,
	}
	inv.Number = invoiceNumber(inv.ID, now)
	inv.ComputeTotals()
	return inv
}

// ComputeTotals recalculates line amounts, subtotal, tax and total from
// Items and TaxRate.
func (i *Invoice) ComputeTotals() {
	var subtotal float64
	for idx := range i.Items {
		i.Items[idx].Amount = roundCents(i.Items[idx].Quantity * i.Items[idx].UnitPrice)
		subtotal += i.Items[idx].Amount
	}
	i.Subtotal = roundCents(subtotal)
	i.Tax = roundCents(i.Subtotal * i.TaxRate)
	i.Total = roundCents(i.Subtotal + i.Tax)
}

// AmountPaid sums the recorded payments.
func (i *Invoice) AmountPaid() float64 {
	var paid float64
	for _, p := range i.Payments {
		paid += p.Amount
	}
	return roundCents(paid)
}

// Outstanding is the unpaid remainder, never negative.
func (i *Invoice) Outstanding() float64 {
	rest := roundCents(i.Total - i.AmountPaid())
	if rest < 0 {
		return 0
	}
	return rest
}

// Overdue reports whether the invoice is unpaid and past due at asOf.
func (i *Invoice) Overdue(asOf time.Time) bool {
	return i.Status != StatusPaid && i.DueAt.Before(asOf)
}

// DaysLate is the number of whole days past due at asOf, 0 when not
// overdue.
func (i *Invoice) DaysLate(asOf time.Time) int {
	if !i.Overdue(asOf) {
		return 0
	}
	return int(asOf.Sub(i.DueAt).Hours() / 24)
}

// Touch updates the modification timestamp.
func (i *Invoice) Touch() {
	i.UpdatedAt = time.Now().UTC()
}

// Validate checks the invoice for persistence.
func (i *Invoice) Validate() error {
	if i.ID == "" {
		return errors.ValidationError("invoice id is required")
	}
	if i.ClientID == "" {
		return errors.ValidationError("client id is required")
	}
	if len(i.Items) == 0 {
		return errors.ValidationError("invoice needs at least one line item")
	}
	if len(i.Items) > MaxLineItems {
		return errors.ValidationError(fmt.Sprintf("invoice exceeds %d line items", MaxLineItems))
	}
	for idx, item := range i.Items {
		if strings.TrimSpace(item.Description) == "" {
			return errors.ValidationError(fmt.Sprintf("line %d: description is required", idx+1))
		}
		if len(item.Description) > MaxDescriptionLength {
			return errors.ValidationError(fmt.Sprintf("line %d: description exceeds %d characters", idx+1, MaxDescriptionLength))
		}
		if item.Quantity <= 0 {
			return errors.ValidationError(fmt.Sprintf("line %d: quantity must be positive", idx+1))
		}
		if item.UnitPrice < 0 {
			return errors.ValidationError(fmt.Sprintf("line %d: unit price cannot be negative", idx+1))
		}
	}
	if !currencyPattern.MatchString(i.Currency) {
		return errors.ValidationError("currency must be a 3-letter ISO code")
	}
	if i.TaxRate < 0 || i.TaxRate >= 1 {
		return errors.ValidationError("tax rate must be in [0, 1)")
	}
	if !i.Status.Valid() {
		return errors.ValidationError(fmt.Sprintf("unknown status %q", i.Status))
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without racing the
// store.
func (i *Invoice) Clone() *Invoice {
	cp := *i
	cp.Items = append([]LineItem(nil), i.Items...)
	cp.Payments = append([]Payment(nil), i.Payments...)
	if i.SentAt != nil {
		t := *i.SentAt
		cp.SentAt = &t
	}
	if i.PaidAt != nil {
		t := *i.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}

// NewPayment builds a payment record against an invoice.
func NewPayment(invoiceID string, amount float64, method string) *Payment {
	return &Payment{
		ID:         newID("pay"),
		InvoiceID:  invoiceID,
		Amount:     roundCents(amount),
		Method:     method,
		ReceivedAt: time.Now().UTC(),
	}
}

// newID returns a prefixed opaque identifier, "inv_<uuid>" style.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// invoiceNumber derives a human-facing number from the issue date and
// the id tail. Not sequential: ids are opaque and numbering is per
// account upstream.
func invoiceNumber(id string, issuedAt time.Time) string {
	tail := id
	if idx := strings.LastIndex(id, "_"); idx >= 0 {
		tail = id[idx+1:]
	}
	tail = strings.ReplaceAll(tail, "-", "")
	if len(tail) > 8 {
		tail = tail[:8]
	}
	return fmt.Sprintf("INV-%s-%s", issuedAt.Format("20060102"), strings.ToUpper(tail))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
