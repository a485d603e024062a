package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/config"
	"github.com/bgiplan/layerd/internal/daemon"
	"github.com/bgiplan/layerd/internal/engine"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/ows"
	"github.com/bgiplan/layerd/internal/persist"
	"github.com/bgiplan/layerd/internal/rpc"
	"github.com/bgiplan/layerd/internal/upload"
)

func main() {
	configPath := flag.String("config", filepath.Join(config.Dir(), "config.json"), "daemon config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Error("failed to ensure directories", "error", err)
		os.Exit(1)
	}

	lc := daemon.NewLifecycle(config.Dir(), cfg.SocketPath)
	if pid, ok := lc.Running(); ok {
		fmt.Printf("Daemon already running (pid %d)\n", pid)
		os.Exit(0)
	}
	if err := lc.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrLockHeld) {
			if pid := lc.LockHolder(); pid != 0 {
				fmt.Printf("Daemon already running (pid %d)\n", pid)
			} else {
				fmt.Println("Daemon already running")
			}
			os.Exit(0)
		}
		logger.Error("failed to acquire instance lock", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	lc.Release()
	if err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	cat, err := catalog.LoadFile(cfg.MapConfigPath)
	if err != nil {
		return fmt.Errorf("loading map config: %w", err)
	}

	services, err := ows.NewClient(ows.Config{
		ProxyURL:              cfg.ProxyURL,
		CapabilitiesCacheSize: cfg.Cache.Capabilities,
		FeaturesCacheSize:     cfg.Cache.Features,
		Timeout:               cfg.HTTPTimeout,
		Circuit:               ows.DefaultCircuitConfig(),
	})
	if err != nil {
		return err
	}

	opts := engine.Options{Catalog: cat, Services: services}
	if cfg.Persist.Enabled {
		store, err := persist.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
		opts.PersistOptions = []persist.Option{persist.WithDebounceWindow(cfg.Persist.DebounceWindow)}
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	if cfg.Persist.Enabled && cfg.Upload.Project != "" {
		_, err = eng.OpenProject(ctx, cfg.Upload.Project)
	} else {
		_, err = eng.Init(ctx)
	}
	if err != nil {
		logger.Warn("map not ready, waiting for retry", "error", err)
	}

	if cfg.Upload.Enabled {
		w, err := upload.New(cfg.Upload, eng)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	d := daemon.New(cfg.SocketPath, rpc.NewHandler(eng))
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Shutdown()

	<-d.Done()
	logger.Info("shutting down", "flushed_saves", eng.Unload())
	return nil
}
