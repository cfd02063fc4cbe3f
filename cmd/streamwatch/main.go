// Command streamwatch follows one or more sessions of a streaming backend in
// the terminal and answers their approval requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/expdesk/streamcore/internal/config"
	"github.com/expdesk/streamcore/internal/diag"
	"github.com/expdesk/streamcore/internal/logging"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/expdesk/streamcore/internal/stream"
	"github.com/expdesk/streamcore/internal/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const idPlaceholder = "{id}"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "streamwatch",
		Short: "Watch agent sessions over WebSocket or SSE",
		Long: `streamwatch opens one stream per --session against --endpoint, where
{id} in the endpoint is replaced by the session id. ws:// and wss://
endpoints use WebSocket; http:// and https:// endpoints use SSE.

Examples:
  streamwatch --session demo-1 --session demo-2
  streamwatch --endpoint 'http://127.0.0.1:8080/sse/{id}' --session demo-1`,
		RunE:         run,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "streamcore.yaml", "config file path")
	rootCmd.Flags().String("endpoint", "ws://127.0.0.1:8080/ws/"+idPlaceholder, "stream endpoint template")
	rootCmd.Flags().StringArray("session", nil, "session id to watch (repeatable)")
	rootCmd.Flags().String("token", "", "auth token sent to the backend")
	rootCmd.Flags().String("log-file", "", "write logs to this file instead of discarding them")
	_ = rootCmd.MarkFlagRequired("session")

	return rootCmd
}

// endpointFor expands the template for one session id.
func endpointFor(template, token string) func(string) string {
	return func(id string) string {
		endpoint := strings.ReplaceAll(template, idPlaceholder, url.PathEscape(id))
		if token == "" {
			return endpoint
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return endpoint
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// newLogger keeps the terminal for the dashboard: logs go to a file or
// nowhere.
func newLogger(cfg logging.Config, path string) (*zap.Logger, func(), error) {
	if path == "" {
		return zap.NewNop(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewWithSink(cfg, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, func() {
		_ = logging.Sync(logger)
		f.Close()
	}, nil
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	template, _ := flags.GetString("endpoint")
	ids, _ := flags.GetStringArray("session")
	token, _ := flags.GetString("token")
	logFile, _ := flags.GetString("log-file")

	if !strings.Contains(template, idPlaceholder) {
		return fmt.Errorf("--endpoint must contain %s", idPlaceholder)
	}

	cfg, err := config.LoadOptional(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if token == "" {
		token = cfg.Server.AuthToken
	}

	logger, closeLog, err := newLogger(cfg.Log, logFile)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer closeLog()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := &stream.SchemeDialer{
		WebSocket: &stream.WebSocketDialer{
			Header:       header,
			PingInterval: cfg.Stream.PingInterval,
			PongTimeout:  cfg.Stream.PongTimeout,
		},
		SSE: &stream.SSEDialer{Header: header},
	}

	registry := stream.NewRegistry(dialer,
		stream.WithLogger(logger.Named("registry")),
		stream.WithMetrics(stream.NewMetrics(prometheus.NewRegistry())),
		stream.WithDefaults(cfg.StreamOptions()),
	)
	defer registry.CloseAll()

	monitor := stream.NewMonitor(registry, cfg.Stream.HealthTimeout, cfg.Stream.SweepInterval, logger.Named("health"))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store := session.NewStore()
	endpoint := endpointFor(template, token)
	approvals := watch.NewApprovalClient(watch.BaseURL(endpoint(ids[0])), token)

	p := tea.NewProgram(watch.New(registry, store, approvals, ids), tea.WithAltScreen(), tea.WithContext(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if sampler, err := diag.NewSampler(gctx, registry, logger.Named("diag")); err == nil {
		g.Go(func() error {
			return sampler.Run(gctx, cfg.Stream.DiagnosticsInterval)
		})
	} else {
		logger.Warn("process diagnostics unavailable", zap.Error(err))
	}
	g.Go(func() error {
		if err := watch.OpenAll(registry, store, ids, endpoint, stream.Options{}, p.Send); err != nil {
			logger.Warn("some sessions failed to open", zap.Error(err))
		}
		return nil
	})

	_, runErr := p.Run()
	cancel()
	registry.CloseAll()
	if err := g.Wait(); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	return nil
}
