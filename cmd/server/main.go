package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"threaddeck/internal/config"
	"threaddeck/internal/launcher"
	"threaddeck/internal/logger"
	"threaddeck/internal/realtime"
	"threaddeck/internal/session"
	"threaddeck/internal/threads"
	"threaddeck/internal/watcher"
)

const shutdownTimeout = 15 * time.Second

var configFlag = flag.String("config", "", "Path to config file (default: ./config.yaml or $THREADDECK_CONFIG)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	threadStore, err := threads.NewStore(cfg.Threads.Dir, cfg.Attachments.Dir, log)
	if err != nil {
		return err
	}

	// Keep the thread index fresh when files change outside the server.
	threadWatch := watcher.New(0, func(dir string, count int) {
		threadStore.Invalidate()
	}, log)
	if err := threadWatch.Watch(threadStore.Dir()); err != nil {
		log.Warn("thread directory watch failed, index refreshes on writes only", zap.Error(err))
	}

	agent := launcher.New(launcher.Config{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Env:            cfg.Agent.Env,
		DefaultMode:    cfg.Agent.DefaultMode,
		InterruptGrace: cfg.Agent.InterruptGrace,
		MaxTokens:      cfg.Agent.MaxTokens,
		DefaultDir:     cfg.Agent.DefaultDir,
	}, log)

	coord := session.NewCoordinator(session.NewStore(log), session.FromLauncher(agent), threadStore, log)

	rtServer := realtime.New(coord, threadStore, realtime.Options{
		StaticDir:      cfg.Server.StaticDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("threaddeck server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("agent", cfg.Agent.Command),
			zap.String("threads_dir", threadStore.Dir()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown on signals.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	threadWatch.Shutdown()
	rtServer.CloseAll()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := coord.Shutdown(ctx); err != nil {
		log.Warn("agents did not exit before timeout", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
