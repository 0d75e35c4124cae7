package metrics

import (
	"fmt"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
)

// EventObserver subscribes to fan-out subjects and counts everything it
// sees, feeding the events_observed counter and the event-rate series.
// It never replies and never blocks publishers.
type EventObserver struct {
	metrics *Metrics
	conn    bus.Conn
	subs    []bus.Subscription
}

// NewEventObserver creates an observer bound to the shared instruments.
func NewEventObserver(metrics *Metrics, conn bus.Conn) *EventObserver {
	return &EventObserver{
		metrics: metrics,
		conn:    conn,
	}
}

// Observe subscribes to each subject. On failure, subscriptions made so
// far are released and the error is returned.
func (o *EventObserver) Observe(subjects ...string) error {
	for _, subject := range subjects {
		sub, err := o.conn.Subscribe(subject, func(m bus.Msg) {
			o.metrics.RecordEvent(m.Subject)
		})
		if err != nil {
			_ = o.Close()
			return errors.Wrap(errors.CodeConnection, fmt.Sprintf("observing %s", subject), err)
		}
		o.subs = append(o.subs, sub)
	}
	return nil
}

// Close releases all subscriptions. Safe to call more than once.
func (o *EventObserver) Close() error {
	var firstErr error
	for _, sub := range o.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.subs = nil
	return firstErr
}
