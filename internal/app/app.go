// Package app wires configuration, the store and the core services into a
// running HTTP server with its background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"skillpulse/internal/automation"
	"skillpulse/internal/config"
	"skillpulse/internal/email"
	"skillpulse/internal/fraud"
	"skillpulse/internal/health"
	"skillpulse/internal/infrastructure"
	"skillpulse/internal/license"
	custommw "skillpulse/internal/middleware"
	"skillpulse/internal/store"
	"skillpulse/internal/token"
	transport "skillpulse/internal/transport/http"
	"skillpulse/internal/websocket"
)

// Application holds every long-lived component.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics

	Store    *store.Store
	GeoIP    *fraud.GeoIP
	Hub      *websocket.Hub
	Detector *fraud.Detector
	Licenses *license.Service
	Sender   email.Sender

	Scheduler *automation.Scheduler
	Checker   *health.Checker

	Server *http.Server
}

// New assembles the application from config. Nothing starts running until
// Run is called.
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("app: init otel: %w", err)
	}
	metrics, err := infrastructure.CreateBusinessMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	geo, err := fraud.NewGeoIP(cfg.Fraud.GeoIPDatabase)
	if err != nil {
		return nil, fmt.Errorf("app: open geoip database: %w", err)
	}

	hub := websocket.NewHub(logger)

	detector := fraud.NewDetector(st, fraud.Options{
		AlertThreshold:   cfg.Fraud.AlertThreshold,
		BlockThreshold:   cfg.Fraud.BlockThreshold,
		VelocityWindow:   cfg.Fraud.VelocityWindow,
		DispersionWindow: cfg.Fraud.DispersionWindow,
	}, logger, hub, metrics)

	codec := token.NewCodec(cfg.Licensing.SigningSecret, cfg.Licensing.TokenTTL)
	licenses := license.NewService(st, codec, detector, geo, logger, metrics)

	sender := newSender(cfg.Email, logger)
	scheduler := automation.NewScheduler(st, sender,
		cfg.Automation.MaxAttempts, cfg.Automation.BatchSize, logger, metrics)

	checker := health.NewChecker(st,
		cfg.Status.ProbeTimeout, cfg.Status.DegradedLatency, logger, hub, metrics)

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		Metrics:       metrics,
		Store:         st,
		GeoIP:         geo,
		Hub:           hub,
		Detector:      detector,
		Licenses:      licenses,
		Sender:        sender,
		Scheduler:     scheduler,
		Checker:       checker,
	}
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

// newSender picks the delivery collaborator from config.
func newSender(cfg config.EmailConfig, logger *slog.Logger) email.Sender {
	if cfg.Provider == "sendgrid" {
		return email.NewSendGridSender(cfg.SendGridKey, cfg.FromName, cfg.FromAddress, "", logger)
	}
	return email.NewConsoleSender(logger)
}

// Router builds the full HTTP surface with the middleware chain.
func (a *Application) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.CORS(custommw.CORSConfig{
		AllowedOrigins:   a.Config.Security.AllowedOrigins,
		AllowCredentials: true,
		Logger:           a.Logger,
	}))
	if a.Config.Security.RateLimit.Enabled {
		r.Use(custommw.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger).Handler)
	}

	healthHandler := transport.NewHealthHandler(a.Store, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(custommw.Compress(5))
		r.Use(custommw.Timeout(a.Config.Server.ReadTimeout, a.Logger))

		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/version", healthHandler.VersionInfo)

		r.Mount("/licenses", transport.NewLicenseHandler(a.Licenses, a.Logger).Routes())
		r.Mount("/courses", transport.NewCourseHandler(a.Store, a.Logger).Routes())
		r.Mount("/automations", transport.NewAutomationHandler(a.Scheduler, a.Store, a.Logger).Routes())
		r.Mount("/fraud", transport.NewFraudHandler(a.Detector, a.Logger).Routes())
		r.Mount("/status", transport.NewStatusHandler(a.Checker, a.Store, a.Logger).Routes())
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}
	r.Get("/ws", transport.NewWebSocketHandler(a.Hub, a.Logger).Serve)

	return r
}

// Run starts the server and the background loops and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	a.Hub.Start()
	defer a.Hub.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server starting", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.runAutomationLoop(ctx)
	})

	g.Go(func() error {
		return a.runStatusLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runAutomationLoop ticks the email scheduler on its configured interval.
func (a *Application) runAutomationLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Automation.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sent, err := a.Scheduler.Tick(ctx)
			if err != nil {
				a.Logger.Error("automation tick failed", slog.String("error", err.Error()))
				continue
			}
			if sent > 0 {
				a.Logger.Info("automation tick completed", slog.Int("sent", sent))
			}
		}
	}
}

// runStatusLoop sweeps the package probes on the status check interval.
func (a *Application) runStatusLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Status.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Checker.RunAll(ctx); err != nil {
				a.Logger.Error("status sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown drains the server and closes the long-lived resources.
func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: server shutdown: %w", err))
	}
	if err := a.OTelProviders.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: otel shutdown: %w", err))
	}
	if err := a.GeoIP.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: geoip close: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: store close: %w", err))
	}
	return errors.Join(errs...)
}
