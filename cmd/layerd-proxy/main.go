package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bgiplan/layerd/internal/config"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/proxy"
)

func main() {
	configPath := flag.String("config", filepath.Join(config.Dir(), "config.json"), "config file")
	addr := flag.String("addr", "", "listen address (overrides the config)")
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
	if *addr != "" {
		cfg.Proxy.Addr = *addr
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := proxy.New(proxy.Config{
		UpstreamTimeout:       cfg.Proxy.UpstreamTimeout,
		CapabilitiesCacheSize: cfg.Cache.Capabilities,
		FeaturesCacheSize:     cfg.Proxy.CacheSize,
	})
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Proxy.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", cfg.Proxy.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("proxy failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("proxy shutdown", "error", err)
	}
}
