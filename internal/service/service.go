// Package service wires the components into the running process: store,
// scheduler, HTTP(S) surface, WebSocket listener, metrics, and telemetry.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfred-project/alfred/internal/adapter/inbound/httpapi"
	"github.com/alfred-project/alfred/internal/adapter/inbound/ws"
	"github.com/alfred-project/alfred/internal/adapter/outbound/oauth"
	"github.com/alfred-project/alfred/internal/clock"
	"github.com/alfred-project/alfred/internal/config"
	"github.com/alfred-project/alfred/internal/domain/access"
	"github.com/alfred-project/alfred/internal/domain/store"
	"github.com/alfred-project/alfred/internal/logging"
	"github.com/alfred-project/alfred/internal/telemetry"
)

// Options carries what the CLI resolved before startup.
type Options struct {
	// StorePath is the backing file, already located via the search order.
	StorePath string

	// Daemon switches log output to the configured LogFile.
	Daemon bool

	// Version is the build version string.
	Version string
}

// Run starts the service and blocks until ctx is cancelled or startup fails.
// Shutdown order on cancellation: the HTTP router detaches from the store
// (requests get 503), the server drains, the WS listener sweeps its
// sessions, the store demobilizes, telemetry flushes.
func Run(ctx context.Context, opts Options) error {
	cfg, err := loadConfiguration(opts.StorePath)
	if err != nil {
		return err
	}

	logOutput, closeLog, err := openLogOutput(cfg, opts.Daemon)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := slog.New(logging.NewHandler(logOutput, logging.Options{
		Level:      slog.LevelDebug,
		Thresholds: cfg.DiagnosticReportingThresholds,
	}))

	scheduler := clock.NewSystem()
	defer scheduler.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st := store.New(logger, store.WithMetrics(store.NewMetrics(registry)))
	if err := st.Mobilize(opts.StorePath, scheduler); err != nil {
		return fmt.Errorf("failed to mobilize store: %w", err)
	}
	defer st.Demobilize()

	provider, err := telemetry.New(ctx, logger, cfg.Telemetry.Enabled, opts.Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	outboundClient, err := oauth.NewHTTPClient(cfg.CaCertificates, cfg.RequestTimeout())
	if err != nil {
		return err
	}
	validator := oauth.New(logger, cfg.RequestTimeout(), oauth.WithHTTPClient(outboundClient))

	listener := ws.NewListener(logger, st, scheduler, validator, ws.Options{
		MaxFrameSize:   cfg.WebSocketMaxFrameSize,
		AuthTimeout:    cfg.AuthenticationTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		CloseLinger:    cfg.CloseLinger(),
		Metrics:        ws.NewMetrics(registry),
	})
	defer listener.Shutdown()

	router := httpapi.NewRouter(logger, st,
		httpapi.WithMetrics(httpapi.NewMetrics(registry)),
		httpapi.WithTracer(provider.Tracer()),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", listener)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.Handle("/", router)

	serverOpts := []httpapi.ServerOption{httpapi.WithTimeouts(cfg.RequestTimeout())}
	if cfg.TLSEnabled() {
		serverOpts = append(serverOpts, httpapi.WithTLSFiles(cfg.SslCertificate, cfg.SslKey))
		if cfg.SslKeyPassphrase != "" {
			logger.Warn("SslKeyPassphrase is set but encrypted keys are not supported; the key must be unencrypted")
		}
	}
	server := httpapi.NewServer(logger,
		fmt.Sprintf(":%d", cfg.Http.Port), mux, serverOpts...)

	// Requests arriving during drain see the store as gone.
	go func() {
		<-ctx.Done()
		router.Detach()
	}()

	logger.Info("service mobilized",
		"store", opts.StorePath, "port", cfg.Http.Port, "tls", cfg.TLSEnabled())
	return server.Start(ctx)
}

// loadConfiguration reads the Configuration subtree straight from the store
// file. The store itself re-reads the file when it mobilizes; decoding the
// configuration first lets the logger exist before any component does.
func loadConfiguration(storePath string) (*config.Config, error) {
	encoded, err := os.ReadFile(storePath)
	if err != nil {
		return nil, fmt.Errorf("read store file %q: %w", storePath, err)
	}
	var document any
	if err := json.Unmarshal(encoded, &document); err != nil {
		return nil, fmt.Errorf("parse store file %q: %w", storePath, err)
	}
	raw, _ := access.Get(document, []string{"Configuration"}, nil).(map[string]any)
	return config.Load(raw)
}

// openLogOutput selects stderr, or the configured LogFile in daemon mode.
func openLogOutput(cfg *config.Config, daemon bool) (io.Writer, func(), error) {
	if !daemon || cfg.LogFile == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %q: %w", cfg.LogFile, err)
	}
	return f, func() { _ = f.Close() }, nil
}
