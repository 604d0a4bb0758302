package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/me/dispatch/internal/broadcast"
	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/internal/eligibility"
	"github.com/me/dispatch/internal/expiry"
	"github.com/me/dispatch/internal/liveness"
	"github.com/me/dispatch/internal/metrics"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/scheduler"
	"github.com/me/dispatch/internal/server"
	"github.com/me/dispatch/internal/store"
)

// App is the assembled control plane: store, core components, the four
// scheduling loops and the REST server.
type App struct {
	Config    *config.Live
	Store     *store.SQLiteStore
	Tracker   *eligibility.Tracker
	Board     *notify.OfferBoard
	Responses *notify.ResponseRegistry
	Metrics   *metrics.MemorySink
	Service   *dispatch.Service
	Driver    *scheduler.Driver
	Server    *server.Server
}

// resolveDBPath returns the database path, defaulting to ~/.dispatch/dispatch.db.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".dispatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "dispatch.db"), nil
}

// openStore opens and migrates the database named by cfg.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", dbPath)
	return st, nil
}

// NewApp wires every component against one store.
func NewApp(ctx context.Context, cfg config.Config, clk clock.Clock, logger *slog.Logger) (*App, error) {
	st, err := openStore(ctx, cfg.Server, logger)
	if err != nil {
		return nil, err
	}

	live := config.NewLive(cfg)
	tracker := eligibility.NewTracker(st, clk, cfg.EligibilityCacheTTL(), logger)
	board := notify.NewOfferBoard(clk)
	responses := notify.NewResponseRegistry(st, clk, logger)
	mem := metrics.NewMemorySink(256)
	counters, err := metrics.NewOTelSink(otel.GetMeterProvider())
	if err != nil {
		st.Close()
		return nil, err
	}
	sink := metrics.Multi{metrics.NewLogSink(logger), mem, counters}

	svc := dispatch.NewService(st, tracker, responses, board, clk, live, logger)

	bc := broadcast.NewScheduler(st, board, sink, clk, live, logger)
	exp := expiry.NewHandler(st, tracker, responses, sink, clk, live, logger)
	exp.OnEnd = board.Withdraw
	hooks := notify.Hooks{notify.LogHook{Logger: logger}, board}
	mon := liveness.NewMonitor(st, hooks, tracker, sink, clk, live, logger)
	ff := liveness.NewFailFast(st, exp, clk, live, logger)

	sc := cfg.Scheduler
	part := scheduler.HashPartitioner{
		Index:   sc.InstanceIndex,
		Count:   sc.InstanceCount,
		Enabled: sc.Redistribute,
	}
	driver := scheduler.NewDriver(logger,
		scheduler.NewLoop(bc, st, part, scheduler.ConfigFrom(sc.Broadcast), logger),
		scheduler.NewLoop(exp, st, part, scheduler.ConfigFrom(sc.Expiry), logger),
		scheduler.NewLoop(mon, st, part, scheduler.ConfigFrom(sc.Liveness), logger),
		scheduler.NewLoop(ff, st, part, scheduler.ConfigFrom(sc.FailFast), logger),
	)

	srv := server.New(cfg.Server, svc, responses, board, logger,
		server.WithMetrics(mem),
		server.WithScheduler(driver),
	)

	return &App{
		Config:    live,
		Store:     st,
		Tracker:   tracker,
		Board:     board,
		Responses: responses,
		Metrics:   mem,
		Service:   svc,
		Driver:    driver,
		Server:    srv,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
