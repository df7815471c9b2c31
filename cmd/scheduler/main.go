// Command scheduler runs the background loops without the HTTP surface:
// the email automation tick and the package status sweep. Deploy it when
// the API server and the workers should scale separately.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"skillpulse/internal/automation"
	"skillpulse/internal/config"
	"skillpulse/internal/email"
	"skillpulse/internal/health"
	"skillpulse/internal/infrastructure"
	"skillpulse/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to initialize logger", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	var sender email.Sender
	if cfg.Email.Provider == "sendgrid" {
		sender = email.NewSendGridSender(cfg.Email.SendGridKey,
			cfg.Email.FromName, cfg.Email.FromAddress, "", logger)
	} else {
		sender = email.NewConsoleSender(logger)
	}

	scheduler := automation.NewScheduler(st, sender,
		cfg.Automation.MaxAttempts, cfg.Automation.BatchSize, logger, nil)
	checker := health.NewChecker(st,
		cfg.Status.ProbeTimeout, cfg.Status.DegradedLatency, logger, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Automation.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if sent, err := scheduler.Tick(ctx); err != nil {
					logger.Error("automation tick failed", slog.String("error", err.Error()))
				} else if sent > 0 {
					logger.Info("automation tick completed", slog.Int("sent", sent))
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Status.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := checker.RunAll(ctx); err != nil {
					logger.Error("status sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	logger.Info("scheduler started",
		slog.Duration("automation_interval", cfg.Automation.TickInterval),
		slog.Duration("status_interval", cfg.Status.CheckInterval))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("scheduler error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("scheduler stopped")
}
