// Package main provides the microsaas worker binary: it subscribes to the
// invoicing request subjects on the bus, executes the domain logic, and
// publishes replies and fan-out events.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/config"
	"github.com/UgoRastell/microsaas/internal/events"
	"github.com/UgoRastell/microsaas/internal/invoicing"
	"github.com/UgoRastell/microsaas/internal/lifecycle"
	"github.com/UgoRastell/microsaas/internal/metrics"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microsaas-worker",
		Short: "Invoicing worker for the microsaas platform",
		Long: `The worker serves the invoicing request subjects (invoice.create,
invoice.get, invoice.send, payment.create.request), emits domain events,
and runs the overdue reminder scheduler.

Examples:
  microsaas-worker                          # memory bus, in-memory store
  microsaas-worker -c worker.yaml           # config file
  MICROSAAS_INVOICE_DIR=/var/lib/microsaas microsaas-worker`,
		RunE:         runWorker,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("concurrency", 0, "handler goroutines per subject (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microsaas-worker %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Worker.Concurrency = concurrency
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("starting worker",
		"version", version,
		"bus", cfg.Bus.Type,
		"concurrency", cfg.Worker.Concurrency,
	)

	var metricsSvc *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsSvc = metrics.NewWithConfig(cfg.Metrics.Persistence, cfg.Metrics.RedisURL)
	}

	conn, err := bus.New(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}

	journal, err := bus.NewJournal(cfg.Bus.JournalPath, cfg.Bus.JournalEnabled, cfg.Bus.JournalMaxBytes)
	if err != nil {
		return fmt.Errorf("opening bus journal: %w", err)
	}
	if cfg.Bus.JournalEnabled {
		conn = bus.NewJournaledConn(conn, journal, log)
		log.Info("bus journal enabled", "path", cfg.Bus.JournalPath)
	}
	if metricsSvc != nil {
		conn = bus.NewInstrumentedConn(conn, metricsSvc)
	}

	store, err := newStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening invoice store: %w", err)
	}

	svc := invoicing.NewService(store,
		invoicing.NewTextRenderer(),
		invoicing.NewLogMailer(log),
		cfg.Invoicing,
		log,
	)
	emitter := events.NewEmitter(conn, log)

	runnerOpts := []worker.Option{
		worker.Concurrency(cfg.Worker.Concurrency),
		worker.WithStopTimeout(cfg.Worker.StopTimeout()),
	}
	if metricsSvc != nil {
		runnerOpts = append(runnerOpts, worker.WithRecorder(metricsSvc))
	}
	runner := worker.New(conn, log, runnerOpts...)
	invoicing.NewHandlers(svc, emitter, log).Register(runner)

	ctx := context.Background()
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting worker runner: %w", err)
	}

	usage := invoicing.NewUsageConsumer(conn, store, emitter, log)
	if err := usage.Start(); err != nil {
		return fmt.Errorf("starting usage consumer: %w", err)
	}

	reminders := invoicing.NewReminders(svc, emitter, cfg.Invoicing.ReminderInterval(), log)
	if err := reminders.Start(ctx); err != nil {
		return fmt.Errorf("starting reminder scheduler: %w", err)
	}

	var observer *metrics.EventObserver
	if metricsSvc != nil {
		observer = metrics.NewEventObserver(metricsSvc, conn)
		if err := observer.Observe(
			events.InvoiceCreated,
			events.InvoiceSent,
			events.InvoicePaid,
			events.InvoiceOverdue,
			events.PaymentCompleted,
			events.PaymentFailed,
			events.ReminderScheduled,
			events.SubscriptionInvoiceIncrement,
		); err != nil {
			return fmt.Errorf("starting event observer: %w", err)
		}
	}

	lm := lifecycle.New(conn, log)

	// Closers run in reverse registration order: stop taking new work
	// first (runner), then the listeners, then flush the journal.
	lm.OnShutdown("journal", func(_ context.Context) error { return journal.Close() })
	if metricsSvc != nil {
		lm.OnShutdown("metrics", func(_ context.Context) error { return metricsSvc.Close() })
		lm.OnShutdown("event observer", func(_ context.Context) error { return observer.Close() })
	}
	lm.OnShutdown("usage consumer", func(_ context.Context) error { return usage.Close() })
	lm.OnShutdown("reminder scheduler", reminders.Stop)
	lm.OnShutdown("worker runner", runner.Stop)

	log.Info("worker ready", "subjects", 4)

	err = lm.Run(ctx)
	if err != nil {
		log.WithError(err).Error("worker exited")
		return err
	}
	log.Info("worker stopped")
	return nil
}

// newStore picks the invoice store implementation: file-backed when a
// storage path is configured, in-memory otherwise.
func newStore(cfg *config.Config, log *logger.Logger) (invoicing.Store, error) {
	if dir := cfg.Invoicing.StoragePath; dir != "" {
		log.Info("using file store", "dir", dir)
		return invoicing.NewFileStore(dir)
	}
	log.Info("using in-memory store")
	return invoicing.NewMemoryStore(), nil
}
