// Package protocol defines the wire conventions for request/reply over the
// bus: correlation ids, reply subject derivation and the request/response
// payload envelopes.
//
// Subjects are dot-separated, "<domain>.<action>[.<subtype>]". Replies go
// to "<domain>.<action>.response.<correlationId>". The reply subject rides
// in the message's Reply field; the correlation id additionally rides in
// the payload as "requestId" for callers using the older convention.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// NewCorrelationID returns a unique, time-ordered id for one request/reply
// exchange.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		return uuid.NewString()
	}
	return id.String()
}

// ReplySubject derives the reply subject for a request subject and
// correlation id. A trailing ".request" segment is dropped, so
// "payment.create.request" replies on "payment.create.response.<id>".
func ReplySubject(subject, correlationID string) string {
	base := strings.TrimSuffix(subject, ".request")
	return base + ".response." + correlationID
}

// RequestID extracts the requestId field from a raw JSON payload. Returns
// "" when absent or the payload is not a JSON object.
func RequestID(data []byte) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}

// ResolveReply picks the reply address for an inbound message: the wire
// reply when present, else the conventional subject derived from the
// payload's requestId, else "" for fan-out messages that expect no reply.
func ResolveReply(subject, wireReply string, payload []byte) string {
	if wireReply != "" {
		return wireReply
	}
	if id := RequestID(payload); id != "" {
		return ReplySubject(subject, id)
	}
	return ""
}
