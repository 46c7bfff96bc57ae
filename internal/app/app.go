package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/courier/internal/ack"
	"github.com/foxzi/courier/internal/api"
	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/credstore"
	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/dispatch"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
	"github.com/foxzi/courier/internal/scheduler"
	"github.com/foxzi/courier/internal/session"
	"github.com/foxzi/courier/internal/transport"
	"github.com/foxzi/courier/internal/transport/gateway"
	"github.com/foxzi/courier/internal/transport/sandbox"
)

// App is the main application
type App struct {
	config           *config.Config
	db               *db.DB
	creds            *credstore.Store
	registry         *session.Registry
	sweeper          *session.Sweeper
	engine           *dispatch.Engine
	scheduler        *scheduler.Scheduler
	apiServer        *api.Server
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
	logger           *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	creds, err := credstore.Open(cfg.Storage.CredentialsPath)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	sessions := repository.NewSessionRepository(database)
	contacts := repository.NewContactRepository(database)
	campaigns := repository.NewCampaignRepository(database)
	messages := repository.NewMessageRepository(database)
	conversations := repository.NewConversationRepository(database)

	// Transport
	var factory transport.Factory
	var hub *sandbox.Hub
	if cfg.IsSandbox() {
		hub = sandbox.NewHub(sandbox.Options{
			RequireScan:      cfg.Transport.Sandbox.RequireScan,
			ReadyDelay:       cfg.Transport.Sandbox.ReadyDelay,
			ReceiptDelay:     cfg.Transport.Sandbox.ReceiptDelay,
			ErrorProbability: cfg.Transport.Sandbox.ErrorRate,
		}, logger)
		factory = hub.Factory()
		logger.Warn("sandbox transport enabled, messages are captured and never delivered")
	} else {
		gw := gateway.New(gateway.Config{
			BaseURL:           cfg.Transport.Gateway.BaseURL,
			APIKey:            cfg.Transport.Gateway.APIKey,
			WebhookURL:        cfg.Transport.Gateway.WebhookURL,
			Timeout:           cfg.Transport.Gateway.Timeout,
			RequestsPerSecond: cfg.Transport.Gateway.RequestsPerSecond,
			Burst:             cfg.Transport.Gateway.Burst,
		}, creds, logger)
		factory = gw.Factory()
		logger.Info("gateway transport enabled", "base_url", cfg.Transport.Gateway.BaseURL)
	}

	// Sessions
	acks := ack.New(messages, logger)
	registry := session.NewRegistry(session.Config{
		MaxRestarts:   cfg.Sessions.MaxRestarts,
		RestartDelay:  cfg.Sessions.RestartDelay,
		PersistPolicy: cfg.Sessions.PersistPolicy,
	}, sessions, factory, logger)
	registry.SetReceiptHandler(acks)
	registry.SetInboundHandler(conversations)

	sweeper := session.NewSweeper(sessions, cfg.Sessions.ScanTTL, cfg.Sessions.SweepInterval, logger)

	// Dispatch
	tiers := make(map[string]dispatch.Tier, len(cfg.Dispatch.Speeds))
	for name, s := range cfg.Dispatch.Speeds {
		tiers[name] = dispatch.Tier{Min: s.Min, Max: s.Max}
	}
	engine := dispatch.New(dispatch.Config{Tiers: tiers}, campaigns, messages, contacts, registry, logger)

	var sched *scheduler.Scheduler
	if *cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			Spec:          cfg.Scheduler.Spec,
			ResumeOnStart: *cfg.Dispatch.ResumeOnStart,
		}, campaigns, engine, registry, logger)
		if err != nil {
			creds.Close()
			database.Close()
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
	}

	apiServer := api.NewServer(api.Deps{
		Sessions:      sessions,
		Contacts:      contacts,
		Campaigns:     campaigns,
		Messages:      messages,
		Conversations: conversations,
		Registry:      registry,
		Engine:        engine,
		Acks:          acks,
		Feed:          database.Feed,
		Sandbox:       hub,
		FailLoud:      cfg.Sessions.PersistPolicy == session.PersistFail,
	}, &cfg.API, version, logger)

	// Setup metrics if enabled
	var metricsServer *metrics.Server
	var metricsCollector *metrics.Collector
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		metricsCollector, err = metrics.NewCollector(
			creds.DB(),
			m,
			&campaignSnapshot{campaigns: campaigns, messages: messages},
			cfg.Storage.Path,
			cfg.Metrics.FlushInterval,
		)
		if err != nil {
			creds.Close()
			database.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}

		metricsServer = metrics.NewServer(
			m,
			cfg.Metrics.ListenAddr,
			cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"),
		)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	return &App{
		config:           cfg,
		db:               database,
		creds:            creds,
		registry:         registry,
		sweeper:          sweeper,
		engine:           engine,
		scheduler:        sched,
		apiServer:        apiServer,
		metricsServer:    metricsServer,
		metricsCollector: metricsCollector,
		logger:           logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting courier",
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Transport.Mode,
		"persist_policy", a.config.Sessions.PersistPolicy,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Interrupted campaigns resume once their restored session is connected
	restored, err := a.registry.Restore(ctx)
	if err != nil {
		a.logger.Error("failed to restore sessions", "error", err)
	} else {
		a.logger.Info("sessions restored", "count", restored)
	}

	a.sweeper.Start(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components.
// Campaigns interrupted here stay in sending and resume on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.engine.Stop()
	a.sweeper.Stop()

	if err := a.registry.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("session registry shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Persists counters, so it runs before the credential store closes
	if a.metricsCollector != nil {
		if err := a.metricsCollector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.creds.Close(); err != nil {
		a.logger.Error("credential store close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// campaignSnapshot feeds the campaign gauges
type campaignSnapshot struct {
	campaigns *repository.CampaignRepository
	messages  *repository.MessageRepository
}

func (s *campaignSnapshot) Snapshot(ctx context.Context) (*metrics.Snapshot, error) {
	sending, err := s.campaigns.ListByStatus(ctx, models.CampaignSending)
	if err != nil {
		return nil, err
	}

	snap := &metrics.Snapshot{CampaignsSending: int64(len(sending))}
	for _, c := range sending {
		n, err := s.messages.CountPending(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		snap.MessagesPending += int64(n)
	}
	return snap, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
