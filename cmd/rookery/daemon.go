package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wrenholt/rookery/internal/audit"
	"github.com/wrenholt/rookery/internal/breach"
	"github.com/wrenholt/rookery/internal/chain"
	"github.com/wrenholt/rookery/internal/clock"
	"github.com/wrenholt/rookery/internal/config"
	"github.com/wrenholt/rookery/internal/controlplane"
	"github.com/wrenholt/rookery/internal/fleet"
	"github.com/wrenholt/rookery/internal/hostenv/simenv"
	"github.com/wrenholt/rookery/internal/ledger"
	"github.com/wrenholt/rookery/internal/netmap"
	"github.com/wrenholt/rookery/internal/recon"
	"github.com/wrenholt/rookery/internal/sched"
	"github.com/wrenholt/rookery/internal/store"
	"github.com/wrenholt/rookery/internal/update"
)

var (
	configPath string
	listenAddr string
	dbPath     string
	worldFile  string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the rookery daemon",
	Long:  `Starts the rookery daemon: the recon, scheduling and fleet loops plus the HTTP control plane.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default ~/.rookery/rookery.yaml)")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Control plane listen address override")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path override")
	daemonCmd.Flags().StringVar(&worldFile, "world", "", "World definition file override")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	log.Info("starting rookery daemon", "version", update.GetCurrentVersion(), "listen", cfg.ListenAddr)

	world := simenv.DefaultWorld()
	if cfg.WorldFile != "" {
		world, err = simenv.LoadWorld(cfg.WorldFile)
		if err != nil {
			return err
		}
	}
	clk := clock.New()
	env, err := simenv.New(world, clk)
	if err != nil {
		return fmt.Errorf("building host environment: %w", err)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	led := ledger.New(log)

	tools := breach.NewToolRegistry()
	tools.RegisterDefaults()
	for _, id := range cfg.Tools {
		if err := tools.Enable(id); err != nil {
			log.Warn("unknown tool in config", "tool", id)
		}
	}
	acc := breach.NewController(env, tools, log)
	log.Info("access controller ready", "tools", tools.AvailableCount())

	scanner := netmap.NewScanner(env, log)

	schd := sched.New(st, led, env, clk, &sched.Config{
		DispatchInterval: cfg.Scheduler.DispatchInterval(),
		ReapInterval:     cfg.Scheduler.ReapInterval(),
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
	}, audit.NewRecorder(st, "sched", log), log)

	var mgr *fleet.Manager
	if cfg.Fleet.Enabled {
		mgr = fleet.New(env, led, schd, clk, &fleet.Config{
			TickInterval:    cfg.Fleet.TickInterval(),
			BaseName:        cfg.Fleet.BaseName,
			SeedCount:       cfg.Fleet.SeedCount,
			SeedCapacity:    float64(cfg.Fleet.SeedCapacity),
			MaxNodes:        cfg.Fleet.MaxNodes,
			MaxCapacity:     float64(cfg.Fleet.MaxCapacity),
			ReserveFraction: cfg.Fleet.ReserveFraction,
		}, audit.NewRecorder(st, "fleet", log), log)
	}

	seq := chain.New(schd, env, clk, st, &chain.Config{
		PollInterval: cfg.Chain.PollInterval(),
		RetryDelay:   cfg.Chain.RetryDelay(),
	}, audit.NewRecorder(st, "chain", log), log)

	swp := recon.New(scanner, acc, env, led, clk, world.Root,
		cfg.Recon.SweepInterval(), audit.NewRecorder(st, "recon", log), log)

	service := controlplane.NewService(st, audit.NewRecorder(st, "api", log), led, acc, schd, mgr, seq, swp, cfg)
	server := controlplane.NewServer(service, st, cfg.ListenAddr, log)

	// The first sweep runs synchronously inside Start, so the root node
	// is in the working set before the scheduler drains anything.
	swp.Start()
	schd.Start()
	if mgr != nil {
		mgr.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("control plane failed", "error", err)
			stopLoops(mgr, seq, swp, schd)
			st.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("control plane shutdown error", "error", err)
	}

	stopLoops(mgr, seq, swp, schd)

	if err := st.Close(); err != nil {
		log.Warn("database close error", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}

// stopLoops stops producers before the scheduler they feed.
func stopLoops(mgr *fleet.Manager, seq *chain.Sequencer, swp *recon.Sweeper, schd *sched.Scheduler) {
	if mgr != nil {
		mgr.Stop()
	}
	seq.Stop()
	swp.Stop()
	schd.Stop()
}

func loadDaemonConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Ensure(configPath)
	} else {
		cfg, err = config.EnsureFromHome()
	}
	if err != nil {
		return nil, err
	}

	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if worldFile != "" {
		cfg.WorldFile = worldFile
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
