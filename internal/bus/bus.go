// Package bus provides pub/sub broker connections for inter-service messaging.
package bus

// Msg is a single message on the bus. Data is a UTF-8 JSON payload. Reply,
// when set, is the subject the receiver should publish its response to;
// it is empty for fan-out events.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// MsgHandler is invoked for each message delivered to a subscription.
type MsgHandler func(m Msg)

// Subscription is one live subscription to a subject. Every subscription
// created must be released with Unsubscribe exactly once; leaking one is a
// defect.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription.
	Unsubscribe() error

	// Subject returns the subscribed subject.
	Subject() string
}

// Conn is a connection to a pub/sub broker. Publish is fire-and-forget:
// there is no delivery acknowledgement, and a synchronous error means the
// connection is closed, not that the network dropped the message. Delivery
// is broadcast: every subscriber of a subject sees every message. There is
// no persistence; a slow consumer risks dropped messages and backpressure
// is the consumer's responsibility.
//
// The connection is shared process-wide but closed in exactly one place,
// the lifecycle manager. No other component may call Close.
type Conn interface {
	// Publish sends data to all current subscribers of subject.
	Publish(subject string, data []byte) error

	// PublishMsg sends a message, preserving its Reply address.
	PublishMsg(m Msg) error

	// Subscribe registers a handler for a subject. Delivery continues
	// until the returned subscription is unsubscribed.
	Subscribe(subject string, h MsgHandler) (Subscription, error)

	// NumSubscriptions returns the number of live subscriptions.
	NumSubscriptions() int

	// Close drains and terminates the connection. Idempotent.
	Close() error
}
