package invoicing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/UgoRastell/microsaas/internal/events"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/protocol"
	"github.com/UgoRastell/microsaas/internal/worker"
)

// Handlers adapts the invoice service to the request subjects. Each
// handler decodes its payload, calls the service and emits the matching
// fan-out events; replies and error envelopes are the runner's job.
type Handlers struct {
	svc     *Service
	emitter *events.Emitter
	log     *logger.Logger
}

// NewHandlers wires the bus handlers over a service.
func NewHandlers(svc *Service, emitter *events.Emitter, log *logger.Logger) *Handlers {
	return &Handlers{
		svc:     svc,
		emitter: emitter,
		log:     log.WithComponent("handlers"),
	}
}

// Register attaches every handler to its subject.
func (h *Handlers) Register(r *worker.Runner) {
	r.Handle(events.InvoiceCreate, h.CreateInvoice)
	r.Handle(events.InvoiceGet, h.GetInvoice)
	r.Handle(events.InvoiceSend, h.SendInvoice)
	r.Handle(events.PaymentCreateRequest, h.CreatePayment)
}

// GetInvoiceRequest asks for one invoice by id.
type GetInvoiceRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// UnmarshalJSON accepts invoice_id and the older invoiceId spelling.
func (in *GetInvoiceRequest) UnmarshalJSON(data []byte) error {
	id, err := decodeInvoiceID(data)
	if err != nil {
		return err
	}
	in.InvoiceID = id
	return nil
}

// SendInvoiceRequest asks for an invoice to be rendered and mailed.
type SendInvoiceRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// UnmarshalJSON accepts invoice_id and the older invoiceId spelling.
func (in *SendInvoiceRequest) UnmarshalJSON(data []byte) error {
	id, err := decodeInvoiceID(data)
	if err != nil {
		return err
	}
	in.InvoiceID = id
	return nil
}

func decodeInvoiceID(data []byte) (string, error) {
	var w struct {
		InvoiceID   string `json:"invoice_id"`
		InvoiceIDCC string `json:"invoiceId"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return "", err
	}
	return firstNonEmpty(w.InvoiceID, w.InvoiceIDCC), nil
}

// SendInvoiceResponse reports a completed delivery.
type SendInvoiceResponse struct {
	InvoiceID  string    `json:"invoice_id"`
	DeliveryID string    `json:"delivery_id"`
	Status     Status    `json:"status"`
	SentAt     time.Time `json:"sent_at"`
}

// PaymentResponse reports a recorded payment and where it left the
// invoice.
type PaymentResponse struct {
	Payment
	InvoiceStatus Status  `json:"invoice_status"`
	Outstanding   float64 `json:"outstanding"`
}

// CreateInvoice serves invoice.create.
func (h *Handlers) CreateInvoice(ctx context.Context, req *protocol.Request) (any, error) {
	var in CreateInput
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	inv, err := h.svc.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	h.emitter.Emit(events.InvoiceCreated, events.InvoiceCreatedEvent{
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		Total:     inv.Total,
		Currency:  inv.Currency,
		CreatedAt: inv.IssuedAt,
	})
	return inv, nil
}

// GetInvoice serves invoice.get.
func (h *Handlers) GetInvoice(ctx context.Context, req *protocol.Request) (any, error) {
	var in GetInvoiceRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return h.svc.Get(ctx, in.InvoiceID)
}

// SendInvoice serves invoice.send, the slow call: rendering and mail
// delivery happen inline.
func (h *Handlers) SendInvoice(ctx context.Context, req *protocol.Request) (any, error) {
	var in SendInvoiceRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	inv, deliveryID, err := h.svc.Send(ctx, in.InvoiceID)
	if err != nil {
		return nil, err
	}

	sentAt := time.Now().UTC()
	if inv.SentAt != nil {
		sentAt = *inv.SentAt
	}
	h.emitter.Emit(events.InvoiceSent, events.InvoiceSentEvent{
		InvoiceID:  inv.ID,
		DeliveryID: deliveryID,
		SentAt:     sentAt,
	})
	return SendInvoiceResponse{
		InvoiceID:  inv.ID,
		DeliveryID: deliveryID,
		Status:     inv.Status,
		SentAt:     sentAt,
	}, nil
}

// CreatePayment serves payment.create.request.
func (h *Handlers) CreatePayment(ctx context.Context, req *protocol.Request) (any, error) {
	var in PaymentInput
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	p, inv, err := h.svc.Pay(ctx, in)
	if err != nil {
		return nil, err
	}

	h.emitter.Emit(events.PaymentCompleted, events.PaymentCompletedEvent{
		PaymentID:   p.ID,
		InvoiceID:   inv.ID,
		Amount:      p.Amount,
		CompletedAt: p.ReceivedAt,
	})
	if inv.Status == StatusPaid {
		paidAt := time.Now().UTC()
		if inv.PaidAt != nil {
			paidAt = *inv.PaidAt
		}
		h.emitter.Emit(events.InvoicePaid, events.InvoicePaidEvent{
			InvoiceID: inv.ID,
			PaymentID: p.ID,
			Amount:    inv.Total,
			PaidAt:    paidAt,
		})
	}
	return PaymentResponse{
		Payment:       *p,
		InvoiceStatus: inv.Status,
		Outstanding:   inv.Outstanding(),
	}, nil
}
