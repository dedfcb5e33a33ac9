package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/crucible/internal/autopause"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/gateway/httpapi"
	"github.com/jkaninda/crucible/internal/gateway/ws"
	"github.com/jkaninda/crucible/internal/heartbeat"
	"github.com/jkaninda/crucible/internal/sweeper"
)

var (
	servePort string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with its background workers",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `crucible --port` and
	// `crucible serve --port` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
	}
}

// runServe starts Crucible in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting crucible", slog.String("version", version), slog.String("storage", cfg.StorageDriverName()))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	keys, err := apiKeys(cfg.HTTP.APIKeys)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		logger.Warn("no API keys configured; every /v1 request will be rejected")
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := sc.Obs.MetricsOrNil()

	// Auto-pause reacts to settlement shortfalls and over-budget debits.
	pauser := autopause.New(sc.Guard, sc.Experiments, sc.Bus, logger, metrics)
	defer pauser.Subscribe(sc.Bus)()

	// Event stream.
	hub := ws.NewHub(sc.Store.Experiments(), ws.Config{}, logger, metrics)
	defer hub.Subscribe(sc.Bus)()

	// Sweeper.
	if cfg.Sweeper == nil || cfg.Sweeper.Enabled {
		sw, err := newSweeper(sc)
		if err != nil {
			return err
		}
		cancelSweeper := sw.Start(ctx)
		defer cancelSweeper()
	}

	// Agent liveness.
	if cfg.Agents.StaleCheckEnabled() {
		go heartbeat.RunStaleChecker(ctx, sc.Store.Agents(), cfg.Agents.CheckInterval(), cfg.Agents.StaleAfter(), logger)
	}

	var tracer trace.Tracer
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	httpCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     serveDocs,
		APIKeys:        keys,
		MaxRequestSize: cfg.HTTP.MaxRequestBytes,
		HealthChecker:  sc.Obs.Health,
		Metrics:        metrics,
		Tracer:         tracer,
	}
	if metrics != nil {
		httpCfg.MetricsRegistry = metrics.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			httpCfg.MetricsPath = o.Metrics.Path
		}
	}

	servers := []gateway.Server{
		httpapi.NewGateway(httpCfg, httpapi.Services{
			Experiments: sc.Experiments,
			Guard:       sc.Guard,
			Ledger:      sc.Ledger,
			Agents:      sc.Agents,
			AI:          sc.AI,
			Stream:      hub,
		}, logger),
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(s gateway.Server) {
			errs <- s.Start(ctx)
		}(srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(servers) - 1; i >= 0; i-- {
		if err := servers[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping server", slog.String("error", err.Error()))
		}
	}
	return nil
}

func newSweeper(sc *SharedComponents) (*sweeper.Sweeper, error) {
	var sweeperMetrics *sweeper.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		sweeperMetrics = sweeper.NewMetrics(m.Registry)
	}
	sw, err := sweeper.New(sweeper.Config{Schedule: sc.Config.Sweeper.Spec()}, sweeper.Deps{
		Reservations: sc.Store.Ledger(),
		Responses:    sc.Store.Responses(),
		Limiter:      sc.Limiter,
		Collector:    sc.Obs.MetricsOrNil(),
		Metrics:      sweeperMetrics,
		Logger:       sc.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sweeper: %w", err)
	}
	return sw, nil
}
