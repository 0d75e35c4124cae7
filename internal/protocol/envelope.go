package protocol

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
)

// Request is one decoded inbound request as seen by a worker handler.
type Request struct {
	// Subject the message arrived on.
	Subject string
	// Reply is the resolved reply address, "" for fan-out messages.
	Reply string
	// RequestID is the correlation id carried in the payload, if any.
	RequestID string
	// Data is the raw JSON payload.
	Data json.RawMessage
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return errors.DecodeError("decoding request payload", err)
	}
	return nil
}

// Envelope is a decoded reply payload. A populated error field marks a
// failure, anything else is success. Convention only: callers must check
// Err before trusting the body.
type Envelope struct {
	// Data is the raw reply payload.
	Data json.RawMessage
	// ErrMessage is the "error" field, "" on success.
	ErrMessage string
	// StatusCode is the "statusCode" field, 0 when absent.
	StatusCode int
}

// DecodeEnvelope parses a raw reply payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var probe struct {
		Error      string `json:"error"`
		StatusCode int    `json:"statusCode"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.DecodeError("decoding reply payload", err)
	}
	return &Envelope{
		Data:       data,
		ErrMessage: probe.Error,
		StatusCode: probe.StatusCode,
	}, nil
}

// Err returns the failure the envelope carries, or nil on success.
func (e *Envelope) Err() error {
	if e.ErrMessage == "" {
		return nil
	}
	appErr := errors.New(errors.CodeHandler, e.ErrMessage)
	if e.StatusCode != 0 {
		appErr = appErr.WithDetail("statusCode", strconv.Itoa(e.StatusCode))
	}
	return appErr
}

// Decode unmarshals the success body into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.DecodeError("decoding reply body", err)
	}
	return nil
}

// EncodeRequest marshals a request payload and stamps the requestId field
// used by the payload correlation convention. The payload must marshal to
// a JSON object; nil becomes an object with only the requestId.
func EncodeRequest(payload any, correlationID string) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(errors.CodeValidation, "marshaling request payload", err)
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, "request payload must be a JSON object", err)
		}
	}
	idRaw, err := json.Marshal(correlationID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "marshaling correlation id", err)
	}
	obj["requestId"] = idRaw
	return json.Marshal(obj)
}

// EncodeResult marshals a handler result for the reply. Nil becomes an
// empty object so the requester always receives valid JSON.
func EncodeResult(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "marshaling reply body", err)
	}
	return data, nil
}

// ErrorBody is the wire shape of a failed reply.
type ErrorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// EncodeError builds an error envelope payload from a handler failure.
// AppErrors keep their message and mapped status; anything else is
// reported verbatim with a 500.
func EncodeError(err error) []byte {
	body := ErrorBody{
		Error:      err.Error(),
		StatusCode: http.StatusInternalServerError,
	}
	if appErr, ok := err.(*errors.AppError); ok {
		body.Error = appErr.Message
		body.StatusCode = appErr.HTTPStatus()
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return []byte(`{"error":"internal error","statusCode":500}`)
	}
	return data
}
