// Command mailbridge serves the mailbox-to-bus API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rbaliyan/mailbridge/internal/config"
	"github.com/rbaliyan/mailbridge/internal/httpapi"
)

func main() {
	flags := pflag.NewFlagSet("mailbridge", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath(), "path to the YAML config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "mailbridge:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	if err := app.svc.Connect(ctx); err != nil {
		return fmt.Errorf("connect service: %w", err)
	}

	srv := httpapi.New(app.svc,
		httpapi.WithLogger(logger),
		httpapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
		httpapi.WithRateLimit(cfg.HTTP.RateLimit, time.Minute),
	)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.HTTP.Addr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-shutdown:
		logger.Info("shutting down", "signal", sig.String())
	case serveErr = <-errc:
		logger.Error("http server stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if err := app.svc.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close service: %w", err))
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	return errors.Join(errs...)
}
