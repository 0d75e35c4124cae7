package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/events"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// handleCreateInvoice proxies POST /v1/invoices to invoice.create.
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	s.proxy(w, r, events.InvoiceCreate, payload, 0, http.StatusCreated, func() any {
		return map[string]any{"mock": true, "id": "inv_mock", "status": "draft"}
	})
}

// handleGetInvoice proxies GET /v1/invoices/{id} to invoice.get.
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.proxy(w, r, events.InvoiceGet, map[string]string{"invoice_id": id}, 0, http.StatusOK, func() any {
		return map[string]any{"mock": true, "id": id, "status": "draft"}
	})
}

// handleSendInvoice proxies POST /v1/invoices/{id}/send to invoice.send
// with the slow timeout: rendering and mail delivery happen before the
// worker replies.
func (s *Server) handleSendInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.proxy(w, r, events.InvoiceSend, map[string]string{"invoice_id": id}, s.client.SlowTimeout(), http.StatusOK, func() any {
		return map[string]any{"mock": true, "invoice_id": id, "delivery_id": "del_mock"}
	})
}

// handleCreatePayment proxies POST /v1/payments to payment.create.request.
func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	s.proxy(w, r, events.PaymentCreateRequest, payload, 0, http.StatusCreated, func() any {
		return map[string]any{"mock": true, "status": "recorded"}
	})
}

// proxy sends one bus request and maps the outcome onto HTTP. okStatus
// is used when the worker replies successfully; mock builds the dev-mode
// fallback body.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, subject string, payload any, timeout time.Duration, okStatus int, mock func() any) {
	env, err := s.client.Request(r.Context(), subject, payload, timeout)
	if err != nil {
		if s.devMode {
			s.log.Warn("serving mock response", "subject", subject, "error", err.Error())
			writeJSON(w, okStatus, mock())
			return
		}
		s.respondBusError(w, subject, err)
		return
	}

	if envErr := env.Err(); envErr != nil {
		status := env.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		errors.WriteJSON(w, status, errors.ErrorResponse{
			Error:   env.ErrMessage,
			Code:    errorCodeForStatus(status),
			Message: env.ErrMessage,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(okStatus)
	_, _ = w.Write(env.Data)
}

// respondBusError maps request-layer failures. A timeout is not a
// failure report: the worker may have finished after the deadline, so
// the client is told the outcome is unknown.
func (s *Server) respondBusError(w http.ResponseWriter, subject string, err error) {
	switch {
	case errors.IsTimeout(err):
		errors.WriteJSON(w, http.StatusGatewayTimeout, errors.ErrorResponse{
			Error:   "request timed out",
			Code:    errors.CodeTimeout,
			Message: "no reply within the deadline; the outcome is unknown and the operation may still have completed",
		})
	case errors.IsShutdown(err):
		errors.WriteError(w, err)
	default:
		s.log.WithError(err).Error("bus request failed", "subject", subject)
		errors.WriteError(w, err)
	}
}

// decodeBody reads a JSON object body. Anything else is a 400.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errors.WriteError(w, errors.InvalidRequestError("request body must be a JSON object"))
		return nil, false
	}
	return payload, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
}

// handleStats serves the operational snapshot and the ring-buffer
// history kept by the collector.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, err := s.collector.Collect(r.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": counters,
		"history":  s.collector.History(),
	})
}

// handleJournal serves the bus journal for inspection. Optional query
// parameters: since (RFC3339) and limit.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errors.WriteError(w, errors.InvalidRequestError("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	var entries []bus.JournalEntry
	var err error
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			errors.WriteError(w, errors.InvalidRequestError("since must be an RFC3339 timestamp"))
			return
		}
		entries, err = s.journal.ReadSince(since, limit)
	} else {
		entries, err = s.journal.ReadAll(limit)
	}
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = err // headers already sent
	}
}

// errorCodeForStatus picks the taxonomy code a worker error envelope
// maps to. The envelope carries only a message and a status.
func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return errors.CodeValidation
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusConflict:
		return errors.CodeAlreadyExists
	case http.StatusServiceUnavailable:
		return errors.CodeUnavailable
	case http.StatusGatewayTimeout:
		return errors.CodeTimeout
	default:
		return errors.CodeHandler
	}
}
