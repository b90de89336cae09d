package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"scarletedge/internal/edge"
)

func main() {
	var (
		configPath string
		console    bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("SCARLETEDGE_CONFIG"), "path to scarletedge.yaml (defaults only when empty)")
	flag.BoolVar(&console, "console", false, "human-readable logs")
	flag.Parse()

	boot := edge.NewLogger(os.Stderr, zerolog.InfoLevel, console)

	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := edge.NewLogger(os.Stdout, cfg.LogLevel(), console)

	svc, err := edge.NewService(cfg, edge.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("init service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = serve(ctx, cfg, svc, logger)
	stop()
	// Close before any exit so leveldb is flushed.
	svc.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("scarletedge stopped")
	}
}

// serve runs the lifecycle and the HTTP server until ctx is done.
func serve(ctx context.Context, cfg edge.Config, svc *edge.Service, logger zerolog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, 2*cfg.NetworkTimeout())
	err := svc.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("start lifecycle: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("scarletedge listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}
