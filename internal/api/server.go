package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/courier/internal/ack"
	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/dispatch"
	"github.com/foxzi/courier/internal/ipfilter"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/repository"
	"github.com/foxzi/courier/internal/session"
	"github.com/foxzi/courier/internal/transport/sandbox"
)

// Deps are the components the API adapts to HTTP
type Deps struct {
	Sessions      *repository.SessionRepository
	Contacts      *repository.ContactRepository
	Campaigns     *repository.CampaignRepository
	Messages      *repository.MessageRepository
	Conversations *repository.ConversationRepository
	Registry      *session.Registry
	Engine        *dispatch.Engine
	Acks          *ack.Reconciler
	Feed          *db.Feed
	Sandbox       *sandbox.Hub // nil unless the sandbox transport is active

	// FailLoud makes webhook store errors answer 500 so the gateway retries
	FailLoud bool
}

// Server is the HTTP API server
type Server struct {
	Deps
	router     *chi.Mux
	httpServer *http.Server
	config     *config.APIConfig
	logger     *slog.Logger
	apiIPs     *ipfilter.Filter
	webhookIPs *ipfilter.Filter
	startTime  time.Time
	version    string
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		Deps:       deps,
		router:     chi.NewRouter(),
		config:     cfg,
		logger:     logger,
		apiIPs:     ipfilter.New(cfg.AllowedIPs, logger),
		webhookIPs: ipfilter.New(cfg.WebhookAllowedIPs, logger),
		startTime:  time.Now(),
		version:    version,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Gateway callbacks authenticate with the webhook secret
	s.router.Route("/webhooks", func(r chi.Router) {
		r.Use(s.webhookIPs.Middleware)
		r.Use(s.webhookAuthMiddleware)
		r.Post("/events", s.handleWebhookEvent)
	})

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiIPs.Middleware)
		r.Use(s.authMiddleware)

		r.Get("/events", s.handleEvents)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Get("/{id}/qr", s.handleSessionQR)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Post("/{id}/send", s.handleSessionSend)
			r.Get("/{id}/conversations", s.handleListConversations)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/{id}/messages", s.handleConversationMessages)
			r.Post("/{id}/read", s.handleConversationRead)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", s.handleUpsertContact)
			r.Get("/", s.handleListContacts)
			r.Get("/{id}", s.handleGetContact)
			r.Delete("/{id}", s.handleDeleteContact)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Get("/{id}/stats", s.handleCampaignStats)
			r.Get("/{id}/messages", s.handleCampaignMessages)
		})

		if s.Sandbox != nil {
			s.registerSandboxRoutes(r)
		}
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
