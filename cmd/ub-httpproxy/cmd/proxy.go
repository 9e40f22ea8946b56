package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/unicornbottle/ub-httpproxy/internal/adapter/inbound/httpfront"
	"github.com/unicornbottle/ub-httpproxy/internal/broker"
	"github.com/unicornbottle/ub-httpproxy/internal/config"
	"github.com/unicornbottle/ub-httpproxy/internal/dispatch"
	"github.com/unicornbottle/ub-httpproxy/internal/logging"
	"github.com/unicornbottle/ub-httpproxy/internal/metrics"
	"github.com/unicornbottle/ub-httpproxy/internal/persist"
	"github.com/unicornbottle/ub-httpproxy/internal/rpc"
	"github.com/unicornbottle/ub-httpproxy/internal/supervise"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the proxy process",
	Long: `Start the proxy: listen for client requests, ship them through the
broker to the worker fleet, and persist all traffic per tenant.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy()
	},
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy() error {
	cfg, err := config.Load()
	if err != nil {
		var missing *config.MissingEnvError
		if errors.As(err, &missing) {
			fmt.Fprintln(os.Stderr, missing.Error())
			os.Exit(1)
		}
		return err
	}

	logger := logging.NewProxyLogger(logging.ParseLevel(logLevel))
	logger.Info("proxy starting", "listen", cfg.Proxy.ListenAddr, "broker", cfg.Rabbit.Hostname)

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	registry := rpc.NewRegistry()
	manager := broker.NewManager(cfg.Rabbit.URL(), func(correlationID string, body []byte) {
		id, err := uuid.Parse(correlationID)
		if err != nil {
			logger.Warn("reply with malformed correlation id dropped", "correlation_id", correlationID)
			return
		}
		if !registry.Resolve(id, body) {
			m.LateReplies.Inc()
		}
	}, logger)

	store := persist.NewSQLiteStore(cfg.Persist.DataDir)
	pipeline := persist.NewPipeline(store, logger,
		persist.WithQueueCap(cfg.Persist.QueueCap),
		persist.WithMaxBulkWrite(cfg.Persist.MaxBulkWrite),
		persist.WithPollInterval(cfg.Persist.PollInterval),
		persist.WithFuzzerMode(cfg.Persist.FuzzerMode),
		persist.WithMetrics(m),
	)

	sup := supervise.New(logger)
	sup.Register("broker-session", manager.Run)
	sup.Register("persist-pipeline", func(ctx context.Context) error {
		// Background context: the flush loop must outlive the cancel so
		// Stop can drain the queue before exiting.
		pipeline.Start(context.Background())
		<-ctx.Done()
		pipeline.Stop()
		return nil
	})
	sup.Start(ctx)

	dispatcher := dispatch.NewDispatcher(manager, registry, pipeline, sup,
		cfg.Proxy.RequestTimeout, logger, m)

	ca, err := httpfront.NewCAManager(httpfront.CAConfig{
		CertFile:      filepath.Join(cfg.Persist.DataDir, "ca-cert.pem"),
		KeyFile:       filepath.Join(cfg.Persist.DataDir, "ca-key.pem"),
		Organization:  "unicornbottle",
		ValidityYears: 10,
	}, logger)
	if err != nil {
		return err
	}
	certs := httpfront.NewCertCache(ca, time.Hour, logger)

	front := &http.Server{
		Addr:    cfg.Proxy.ListenAddr,
		Handler: httpfront.NewHandler(dispatcher, certs, logger),
	}
	go func() {
		if err := front.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("proxy listener failed", "error", err)
			stop()
		}
	}()

	if cfg.Proxy.MetricsAddr != "" {
		go serveMetrics(cfg.Proxy.MetricsAddr, reg, logger)
	}

	<-ctx.Done()
	logger.Info("proxy shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := front.Shutdown(shutdownCtx); err != nil {
		logger.Warn("front end shutdown", "error", err)
	}
	if err := sup.Shutdown(10 * time.Second); err != nil {
		logger.Warn("supervisor shutdown", "error", err)
	}
	logger.Info("proxy stopped",
		"dropped_records", pipeline.DroppedRecords(),
		"late_replies", registry.LateReplies())
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener failed", "addr", addr, "error", err)
	}
}
