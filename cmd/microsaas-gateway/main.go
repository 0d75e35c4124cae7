// Package main provides the microsaas gateway binary: the HTTP JSON API
// that fronts the bus. Every API call becomes a request on the bus and
// waits for the matching worker reply.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/config"
	"github.com/UgoRastell/microsaas/internal/gateway"
	"github.com/UgoRastell/microsaas/internal/lifecycle"
	"github.com/UgoRastell/microsaas/internal/metrics"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/pkg/middleware"
	"github.com/UgoRastell/microsaas/internal/request"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microsaas-gateway",
		Short: "HTTP gateway for the microsaas invoicing platform",
		Long: `The gateway exposes the invoicing REST API and forwards every call
onto the message bus as a correlated request, waiting for the worker's
reply.

Examples:
  microsaas-gateway                         # memory bus, defaults
  microsaas-gateway -c gateway.yaml         # config file
  microsaas-gateway --port 9090 --dev       # dev mode with mock fallbacks`,
		RunE:         runGateway,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	rootCmd.Flags().String("host", "", "HTTP host (overrides config)")
	rootCmd.Flags().Bool("dev", false, "dev mode: serve mock responses when no worker answers")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microsaas-gateway %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	dev, _ := cmd.Flags().GetBool("dev")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = port
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = host
	}
	if dev {
		cfg.DevMode = true
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("starting gateway",
		"version", version,
		"addr", cfg.Address(),
		"bus", cfg.Bus.Type,
		"dev_mode", cfg.DevMode,
	)

	var metricsSvc *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsSvc = metrics.NewWithConfig(cfg.Metrics.Persistence, cfg.Metrics.RedisURL)
		log.Info("metrics initialized", "persistence", cfg.Metrics.Persistence, "path", cfg.Metrics.Path)
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

	clientOpts := []request.Option{
		request.WithLogger(log),
		request.WithTimeout(cfg.Request.Timeout()),
	}
	if metricsSvc != nil {
		clientOpts = append(clientOpts, request.WithRecorder(metricsSvc))
	}
	client := request.New(conn, clientOpts...)

	var collector *metrics.Collector
	if metricsSvc != nil {
		collector = metrics.NewCollector(metricsSvc, client, conn)
	}

	var limiter *middleware.RateLimiter
	if cfg.Security.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.Security.RateLimit),
			Burst:             cfg.Security.RateLimit * 2,
			CleanupInterval:   time.Minute,
		})
		log.Info("rate limiting enabled", "requests_per_second", cfg.Security.RateLimit)
	}

	lm := lifecycle.New(conn, log)

	gwOpts := []gateway.Option{
		gateway.WithReadiness(lm.Ready),
		gateway.WithRateLimiter(limiter),
		gateway.WithCORS(cfg.Security.CORSOrigins),
		gateway.WithDevMode(cfg.DevMode),
		gateway.WithJournal(journal),
	}
	if metricsSvc != nil {
		gwOpts = append(gwOpts,
			gateway.WithMetrics(metricsSvc, collector),
			gateway.WithMetricsPath(cfg.Metrics.Path),
		)
	}
	gw := gateway.New(client, log, gwOpts...)

	// Shutdown order is the reverse: HTTP server first, then the request
	// client, then the rest, with the bus connection closed last by the
	// lifecycle manager.
	lm.OnShutdown("journal", func(_ context.Context) error { return journal.Close() })
	if metricsSvc != nil {
		lm.OnShutdown("metrics", func(_ context.Context) error { return metricsSvc.Close() })
	}
	if limiter != nil {
		lm.OnShutdown("rate limiter", func(_ context.Context) error { return limiter.Close() })
	}
	lm.OnShutdown("request client", func(_ context.Context) error {
		client.Shutdown(nil)
		return nil
	})
	lm.OnShutdown("http server", gw.Stop)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := gw.Start(cfg.Address()); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if collector != nil {
		g.Go(func() error {
			// Keep the pending and subscription gauges current even when
			// nobody polls /stats.
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					_, _ = collector.Collect(gctx)
				}
			}
		})
	}
	g.Go(func() error {
		return lm.Run(gctx)
	})

	err = g.Wait()
	if err != nil {
		log.WithError(err).Error("gateway exited")
		return err
	}
	log.Info("gateway stopped")
	return nil
}
