// Command streamd serves scripted agent sessions over WebSocket and SSE so
// stream clients can be exercised against a live backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/expdesk/streamcore/internal/config"
	"github.com/expdesk/streamcore/internal/diag"
	"github.com/expdesk/streamcore/internal/logging"
	"github.com/expdesk/streamcore/internal/mock"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/expdesk/streamcore/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "streamd",
		Short: "Serve scripted agent sessions over WebSocket and SSE",
		Long: `streamd runs mock agent sessions and publishes their output on

  GET  /ws/{session}                   WebSocket stream
  GET  /sse/{session}                  Server-Sent Events stream
  GET  /api/sessions                   session snapshots
  POST /api/sessions/{session}/approval approve or reject a pending request
  GET  /healthz                        liveness plus process diagnostics
  GET  /metrics                        Prometheus metrics`,
		RunE:         run,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "streamcore.yaml", "config file path")
	rootCmd.Flags().String("host", "", "listen host (overrides config)")
	rootCmd.Flags().Int("port", 0, "listen port (overrides config)")
	rootCmd.Flags().String("token", "", "auth token required from clients (overrides config)")
	rootCmd.Flags().StringSlice("session", nil, "mock session ids (overrides config)")
	rootCmd.Flags().BoolP("verbose", "v", false, "debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamd %s\n", version)
		},
	})

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("token") {
		cfg.Server.AuthToken, _ = flags.GetString("token")
	}
	if flags.Changed("session") {
		cfg.Mock.Sessions, _ = flags.GetStringSlice("session")
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := session.NewStore()
	hub := ws.NewHub(logger.Named("hub"), ws.NewHubMetrics(reg))
	gen := mock.NewGenerator(store, hub, cfg.Mock.Sessions, cfg.Mock.Tick, logger.Named("mock"))

	server := ws.NewServer(hub, gen, cfg.Server.AllowedOrigins, cfg.Server.AuthToken, logger.Named("server"))
	server.SetPingPeriod(cfg.Stream.PingInterval)

	sampler, err := diag.NewSampler(ctx, nil, logger.Named("diag"))
	if err != nil {
		logger.Warn("process diagnostics unavailable", zap.Error(err))
	} else {
		server.SetDiagnostics(sampler)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", server.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			zap.String("addr", httpServer.Addr),
			zap.Strings("sessions", cfg.Mock.Sessions),
			zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return gen.Run(gctx)
	})
	if sampler != nil {
		g.Go(func() error {
			return sampler.Run(gctx, cfg.Stream.DiagnosticsInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
