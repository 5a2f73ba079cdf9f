// Command fleetsync keeps a fleet of proxy panel nodes converged on a
// central panel's inbound/client inventory and rolls up each client's
// traffic usage across the whole fleet into one running total.
//
// Usage:
//
//	fleetsync [--config <path>] [--daemon | --once] [--verbose]
//	fleetsync --daemon   # run continuously on the configured interval
//	fleetsync --once     # run a single reconcile+aggregate cycle then exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proxyfleet/panelsync/internal/config"
	"github.com/proxyfleet/panelsync/internal/engine"
	"github.com/proxyfleet/panelsync/internal/panel"
	"github.com/proxyfleet/panelsync/internal/reconcile"
	"github.com/proxyfleet/panelsync/internal/state"
	"github.com/proxyfleet/panelsync/internal/telemetry"
	"github.com/proxyfleet/panelsync/internal/traffic"
)

const heartbeatFileName = ".heartbeat"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	defaultCfg, _ := config.DefaultPath()
	cfgPath := flag.String("config", defaultCfg, "path to config.yaml")
	daemon := flag.Bool("daemon", false, "run continuously on the configured interval")
	once := flag.Bool("once", false, "run a single reconcile+aggregate cycle then exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if !*daemon && !*once {
		fmt.Fprintln(os.Stderr, "usage: fleetsync [--config <path>] [--daemon | --once]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  --daemon   run continuously on the configured interval")
		fmt.Fprintln(os.Stderr, "  --once     run a single cycle then exit")
		os.Exit(1)
	}
	if *daemon && *once {
		return fmt.Errorf("--daemon and --once are mutually exclusive")
	}

	logLevel := zapcore.InfoLevel
	if *verbose {
		logLevel = zapcore.DebugLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(logLevel)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		zap.String("central_server", cfg.CentralServer.NormalizedURL()),
		zap.Int("nodes", len(cfg.Nodes)),
		zap.Duration("sync_interval", cfg.Interval()),
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", zap.Error(err))
		} else {
			logger.Info("telemetry enabled", zap.String("endpoint", cfg.Telemetry.OTLPEndpoint))
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", zap.Error(err))
				}
			}()
		}
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Dir(*cfgPath)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %q: %w", dataDir, err)
	}

	dbPath := os.Getenv("DB_FILE")
	if dbPath == "" {
		dbPath, err = state.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	legacyDBs := []string{
		filepath.Join(dataDir, "traffic_state.db"),
		"/app/traffic_state.db",
	}
	migrateLegacyDB(logger, dbPath, legacyDBs)

	store, err := state.Open(dbPath, state.Options{
		WAL:         cfg.DB.WAL,
		Synchronous: cfg.DB.Synchronous,
		CacheSizeMB: cfg.DB.CacheSizeMB,
	})
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", zap.Error(closeErr))
		}
	}()
	logger.Info("state DB opened", zap.String("path", dbPath))

	client := panel.NewAPIManager(cfg.Net.RequestTimeoutDuration(), cfg.Net.ValidateTTL(), logger)

	reconciler := reconcile.NewReconciler(client, cfg.CentralServer, cfg.Nodes, logger)
	aggregator := traffic.NewAggregator(client, store, cfg.CentralServer, cfg.Nodes, cfg.Net.MaxWorkers, cfg.Net.ParallelNodeCalls, logger)
	driver := engine.NewCycleDriver(reconciler, aggregator, cfg.Interval(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		logger.Info("running single cycle")
		return driver.RunOnce(ctx)
	}

	hbPath := filepath.Join(dataDir, heartbeatFileName)
	go heartbeatLoop(ctx, logger, hbPath, 30*time.Second)

	logger.Info("daemon starting", zap.Duration("interval", cfg.Interval()))
	if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cycle driver: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// migrateLegacyDB copies a pre-existing database (and its WAL/SHM sidecar
// files) from one of the legacy candidate paths to newPath, if newPath
// doesn't already exist. No-op once the new location has been populated.
func migrateLegacyDB(logger *zap.Logger, newPath string, legacyCandidates []string) {
	if _, err := os.Stat(newPath); err == nil {
		return
	}
	for _, old := range legacyCandidates {
		if old == "" {
			continue
		}
		if _, err := os.Stat(old); err != nil {
			continue
		}
		logger.Info("migrating legacy state database", zap.String("from", old), zap.String("to", newPath))
		if err := os.MkdirAll(filepath.Dir(newPath), 0o700); err != nil {
			logger.Error("creating directory for migrated database", zap.Error(err))
			return
		}
		if err := copyFile(old, newPath); err != nil {
			logger.Error("migrating legacy database", zap.Error(err))
			return
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			oldSide, newSide := old+suffix, newPath+suffix
			if _, err := os.Stat(oldSide); err == nil {
				if err := copyFile(oldSide, newSide); err != nil {
					logger.Error("migrating legacy database sidecar file", zap.String("file", oldSide), zap.Error(err))
				}
			}
		}
		logger.Info("legacy database migration complete")
		return
	}
}

// copyFile copies src to dst, creating or truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// heartbeatLoop writes the current unix timestamp to path on a fixed
// interval, independent of whether the reconcile/aggregate cycle is
// succeeding, so an external health check can detect a hung process even
// when every cycle is failing.
func heartbeatLoop(ctx context.Context, logger *zap.Logger, path string, interval time.Duration) {
	writeHeartbeat(logger, path)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeHeartbeat(logger, path)
		}
	}
}

func writeHeartbeat(logger *zap.Logger, path string) {
	content := fmt.Sprintf("%d", time.Now().Unix())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logger.Error("failed to write heartbeat", zap.Error(err))
	}
}
