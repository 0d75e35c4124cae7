package invoicing

import (
	"context"
	"sync"
	"time"

	"github.com/UgoRastell/microsaas/internal/events"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// Reminders periodically scans for overdue invoices, flips them to the
// overdue status, mails payment reminders and announces each one on the
// bus. Invoices already marked overdue are reminded again every cycle
// until they are paid.
type Reminders struct {
	svc      *Service
	emitter  *events.Emitter
	log      *logger.Logger
	interval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReminders builds a scheduler. An interval of zero disables it.
func NewReminders(svc *Service, emitter *events.Emitter, interval time.Duration, log *logger.Logger) *Reminders {
	return &Reminders{
		svc:      svc,
		emitter:  emitter,
		log:      log.WithComponent("reminders"),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scan loop. Disabled schedulers return immediately.
func (r *Reminders) Start(ctx context.Context) error {
	if r.interval <= 0 {
		r.log.Info("reminder scheduler disabled")
		close(r.done)
		return nil
	}

	go r.loop(ctx)
	r.log.Info("reminder scheduler started", "interval", r.interval.String())
	return nil
}

// Stop halts the loop and waits for the running scan to finish, bounded
// by ctx.
func (r *Reminders) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reminders) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// scan runs one overdue pass. Failures on one invoice are logged and
// never stop the rest of the batch.
func (r *Reminders) scan(ctx context.Context) {
	asOf := time.Now().UTC()

	overdue, err := r.svc.Overdue(ctx, asOf)
	if err != nil {
		r.log.WithError(err).Error("overdue scan failed")
		return
	}
	if len(overdue) == 0 {
		return
	}
	r.log.Info("overdue scan", "count", len(overdue))

	for _, inv := range overdue {
		if inv.Status != StatusOverdue {
			if err := r.svc.MarkOverdue(ctx, inv.ID); err != nil {
				r.log.WithError(err).Warn("marking invoice overdue", "invoice_id", inv.ID)
				continue
			}
		}

		r.emitter.Emit(events.InvoiceOverdue, events.InvoiceOverdueEvent{
			InvoiceID: inv.ID,
			DueDate:   inv.DueAt,
			DaysLate:  inv.DaysLate(asOf),
		})

		if _, err := r.svc.Remind(ctx, inv, asOf); err != nil {
			r.log.WithError(err).Warn("sending reminder", "invoice_id", inv.ID)
			continue
		}

		r.emitter.Emit(events.ReminderScheduled, events.ReminderScheduledEvent{
			InvoiceID: inv.ID,
			RunAt:     asOf.Add(r.interval),
		})
	}
}
