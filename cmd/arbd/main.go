// Command arbd is the arbitrage engine's process entry point.
//
// Responsibilities:
//
//	main.go        — loads config, builds the signer/store/metrics stack,
//	                 starts the command socket, then runs either the live
//	                 engine or a one-shot backtest depending on bot_mode.
//	engine/engine.go — orchestrator: single-writer select loop over book
//	                 events, fills, command requests, and risk trips.
//	command/        — local control socket arbctl dials (pause/resume/
//	                 flatten/reload/set/markets/backtest/stop).
//	api/server.go   — read-only operator HTTP surface (health/metrics/
//	                 snapshot), optional.
//	persistence/    — durable append-only log (jsonstore file backend or
//	                 Postgres, selected by store.db_path's shape).
//
// A missing wallet private key is not a startup failure: signer.New returns
// signer.Unavailable, which forces dry-run and substitutes a NullSigner so
// the engine still has a concrete Signer to hold.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"arb-core/internal/api"
	"arb-core/internal/backtest"
	"arb-core/internal/command"
	"arb-core/internal/config"
	"arb-core/internal/engine"
	"arb-core/internal/market"
	"arb-core/internal/metrics"
	"arb-core/internal/obslog"
	"arb-core/internal/persistence"
	"arb-core/internal/persistence/jsonstore"
	"arb-core/internal/persistence/postgres"
	"arb-core/internal/restclient"
	"arb-core/internal/signer"
)

// Exit codes, per the control-plane contract arbctl and any supervising
// process rely on: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// startup/venue error, 3 shutdown following a safety trip.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStartupError  = 2
	exitUnsafeTripped = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", cfgPath)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		return exitConfigError
	}

	logger := buildLogger(cfg.Logging)

	eoa, err := signer.New(cfg.Wallet, cfg.API)
	var activeSigner signer.Signer = eoa
	if err != nil {
		if !errors.Is(err, signer.Unavailable) {
			logger.Error("signer construction failed", "err", err)
			return exitConfigError
		}
		logger.Warn("no wallet private key configured, forcing dry-run")
		cfg.DryRun = true
		activeSigner = signer.NewNullSigner()
	}

	store, err := openStore(cfg.Store.DBPath)
	if err != nil {
		logger.Error("failed to open store", "err", err, "db_path", cfg.Store.DBPath)
		return exitStartupError
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)

	bus := command.New(32)
	sockServer := command.NewSocketServer(bus, cfg.Command.SocketPath, logger)

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	sockCtx, sockCancel := context.WithCancel(rootCtx)
	defer sockCancel()
	go func() {
		if err := sockServer.Serve(sockCtx); err != nil {
			logger.Error("command socket stopped", "err", err)
		}
	}()

	if cfg.Mode == config.ModeBacktest {
		return runBacktest(rootCtx, *cfg, store, logger)
	}
	return runLive(rootCtx, *cfg, activeSigner, bus, store, sink, reg, logger)
}

func runBacktest(ctx context.Context, cfg config.Config, store persistence.Store, logger *slog.Logger) int {
	gamma := restclient.NewGammaClient(cfg.API.GammaBaseURL)
	descs, descErrs := gamma.DescribeMarkets(ctx, cfg.Markets.IDs)
	for _, e := range descErrs {
		logger.Warn("market metadata fetch failed", "err", e)
	}
	registry, regErrs := market.New(descs, cfg.Markets.Strict)
	for _, e := range regErrs {
		logger.Warn("market resolution failed", "err", e)
	}
	if len(registry.All()) == 0 {
		logger.Error("no markets resolved, cannot backtest", "ids", cfg.Markets.IDs)
		return exitStartupError
	}

	h := backtest.New(cfg, registry, store, logger)
	report, err := h.Run(ctx)
	if err != nil {
		logger.Error("backtest failed", "err", err)
		return exitStartupError
	}

	logger.Info("backtest complete",
		"final_equity", report.FinalEquity.String(),
		"realized_pnl", report.RealizedPnL.String(),
		"unrealized_pnl", report.UnrealizedPnL.String(),
		"max_drawdown", report.MaxDrawdown.String(),
		"win_rate", report.WinRate.String(),
		"trade_count", report.TradeCount,
		"fill_ratio", report.FillRatio.String(),
		"cancel_ratio", report.CancelRatio.String(),
		"reject_ratio", report.RejectRatio.String(),
	)
	return exitOK
}

func runLive(ctx context.Context, cfg config.Config, sgn signer.Signer, bus *command.Bus, store persistence.Store, sink metrics.Sink, reg *prometheus.Registry, logger *slog.Logger) int {
	eng, err := engine.New(cfg, sgn, bus, store, sink, logger)
	if err != nil {
		logger.Error("failed to construct engine", "err", err)
		return exitStartupError
	}

	var apiServer *api.Server
	if cfg.Operator.Enabled {
		apiServer = api.NewServer(cfg.Operator, eng, reg, logger)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("operator server failed", "err", err)
			}
		}()
		logger.Info("operator surface started", "port", cfg.Operator.Port)
	}

	eng.Start()

	if cfg.DryRun {
		logger.Warn("DRY-RUN — no real orders will be submitted")
	}
	logger.Info("arb-core started",
		"markets", strings.Join(cfg.Markets.IDs, ","),
		"min_edge_threshold", cfg.Strategy.MinEdgeThreshold,
		"target_size_usd", cfg.Strategy.TargetSizeUSD,
		"dry_run", cfg.DryRun,
		"start_paused", cfg.StartPaused,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-eng.StopRequested():
		logger.Info("stop command received")
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop operator server", "err", err)
		}
	}
	eng.Stop()

	if eng.RiskSnapshot().Mode == "SAFE" {
		logger.Error("shut down from SAFE mode, residual positions may remain")
		return exitUnsafeTripped
	}
	return exitOK
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(obslog.NewRedactingHandler(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore selects the persistence backend by the shape of db_path: a
// postgres:// (or postgresql://) DSN selects the Postgres backend, anything
// else is treated as a filesystem directory for the JSON-lines backend.
func openStore(dbPath string) (persistence.Store, error) {
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		return postgres.Open(context.Background(), dbPath)
	}
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dbPath, err)
	}
	return jsonstore.Open(dbPath)
}
