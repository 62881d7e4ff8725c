// Package main provides the orchestrator server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inboxloom/orchestrator/api/handlers"
	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/config"
	"github.com/inboxloom/orchestrator/coordinator"
	"github.com/inboxloom/orchestrator/decomposer"
	"github.com/inboxloom/orchestrator/internal/cache"
	"github.com/inboxloom/orchestrator/internal/metrics"
	"github.com/inboxloom/orchestrator/internal/server"
	"github.com/inboxloom/orchestrator/internal/telemetry"
	"github.com/inboxloom/orchestrator/llm"
	"github.com/inboxloom/orchestrator/llm/factory"
	"github.com/inboxloom/orchestrator/orchestrator"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/strategies"
	"github.com/inboxloom/orchestrator/synthesizer"
	"github.com/inboxloom/orchestrator/token"
	"github.com/inboxloom/orchestrator/validator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// services lists every apiclient.Config the coordinator needs one of,
// regardless of whether a real provider strategy ends up registered for it
// (compute nodes still run through the same per-service circuit breaker and
// concurrency slots as provider-backed nodes, just against a no-op call).
var services = []string{"email", "calendar", "contacts", "compute"}

// Server is the orchestrator's process: it owns the HTTP/metrics listeners,
// the hot-reloadable config, and the decompose/validate/execute/synthesize
// pipeline built from that config.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	otel *telemetry.Providers
	db   *gorm.DB

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler

	metricsCollector *metrics.Collector

	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer builds a Server around an already-loaded config. otel and db may
// both be nil: a failed telemetry init or database connection degrades
// tracing/OAuth-token persistence but never blocks the chat pipeline from
// serving stateless, token-free strategies.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		db:         db,
	}
}

// Start initializes every subsystem and launches the HTTP and metrics
// listeners. It returns once both are accepting connections; shutdown is
// handled separately by WaitForShutdown/Shutdown.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("orchestrator", s.logger)

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// initHandlers builds the orchestrator pipeline (decomposer, validator,
// coordinator, synthesizer) from config and wraps it in a ChatHandler. A
// failure to reach the token store degrades gracefully: the pipeline still
// runs, just against a user with no enrolled providers, so every query comes
// back needing reauth rather than the process failing to start.
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	llmProvider, err := factory.NewProviderFromConfig(s.cfg.LLM.DefaultProvider, factory.ProviderConfig{
		APIKey:  s.cfg.LLM.APIKey,
		BaseURL: s.cfg.LLM.BaseURL,
		Model:   s.cfg.Agent.Model,
		Timeout: s.cfg.LLM.Timeout,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build llm provider: %w", err)
	}

	reg := s.buildRegistry(llmProvider)

	clients := make(map[string]*apiclient.APIClient, len(services))
	for _, svc := range services {
		clients[svc] = apiclient.New(apiclient.DefaultConfig(svc), nil, s.logger)
	}

	d := decomposer.New(llmProvider, reg, nil, decomposer.DefaultConfig(s.cfg.Agent.Model), s.logger)
	v := validator.New(validator.DefaultConfig(), reg)
	c := coordinator.New(reg, clients, coordinator.DefaultConfig(), s.logger)
	syn := synthesizer.New(llmProvider, reg, synthesizer.Config{Model: s.cfg.Agent.Model}, s.logger)

	userSource := s.buildUserContextSource()
	userCache := s.buildUserContextCache()

	orch := orchestrator.New(d, v, c, syn, userSource, userCache, orchestrator.DefaultConfig(), s.logger)
	s.chatHandler = handlers.NewChatHandler(orch, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// buildRegistry registers the full mandatory strategy catalog plus the
// supplemental strategies kept alongside it. email/calendar/contacts
// strategies need a concrete EmailProvider/CalendarProvider/ContactsProvider:
// those are injected, interface-only collaborators this repo never
// implements (out of scope). A deployment wiring in real mailbox/calendar/
// contacts adapters supplies non-nil providers here and nothing else about
// the registry changes.
func (s *Server) buildRegistry(llmProvider llm.Provider) *registry.StrategyRegistry {
	reg := registry.New(s.logger)

	mustRegister := func(strat strategies.Strategy) {
		if err := reg.Register(strat); err != nil {
			s.logger.Fatal("failed to register strategy", zap.Error(err))
		}
	}

	var (
		emailClient    = apiclient.New(apiclient.DefaultConfig("email"), nil, s.logger)
		calendarClient = apiclient.New(apiclient.DefaultConfig("calendar"), nil, s.logger)
		contactsClient = apiclient.New(apiclient.DefaultConfig("contacts"), nil, s.logger)

		emailProvider    strategies.EmailProvider
		calendarProvider strategies.CalendarProvider
		contactsProvider strategies.ContactsProvider
	)

	// metadata_filter and keyword_search are multi-domain: one strategy id,
	// routed at execution time to whichever of the three clients/providers
	// filters["domain"] names.
	mustRegister(strategies.NewMetadataFilter(emailClient, emailProvider, calendarClient, calendarProvider, contactsClient, contactsProvider))
	mustRegister(strategies.NewKeywordSearch(emailClient, emailProvider, calendarClient, calendarProvider, contactsClient, contactsProvider))
	mustRegister(strategies.NewBatchThreadRead(emailClient, emailProvider))
	mustRegister(strategies.NewCrossReference())
	mustRegister(strategies.NewUrgencyDetector())
	mustRegister(strategies.NewSenderClassifier())
	mustRegister(strategies.NewActionDetector())
	mustRegister(strategies.NewSemanticAnalysis(llmProvider, s.cfg.Agent.Model))
	mustRegister(strategies.NewNeedsUserInput())

	mustRegister(strategies.NewRankByRelevance())
	mustRegister(strategies.NewListCalendarEvents(calendarClient, calendarProvider))
	mustRegister(strategies.NewFindFreeTime(calendarClient, calendarProvider))

	reg.Seal()
	return reg
}

// buildUserContextSource wraps the database-backed OAuth token store as the
// orchestrator's enrollment source (§4.8). Without a reachable database
// every request resolves to a user enrolled in nothing, so every plan node
// needing a provider surfaces as NeedsReauth rather than the process
// refusing to start.
func (s *Server) buildUserContextSource() orchestrator.UserContextSource {
	if s.db == nil {
		s.logger.Warn("no database connection; all users resolve with zero enrolled providers")
		return token.NewUserContextSource(noopTokenStore{})
	}
	return token.NewUserContextSource(token.NewGormStore(s.db))
}

// buildUserContextCache wires the Redis-backed cache-aside layer in front of
// UserContextSource (§5 "caches ... never required for correctness"). A nil
// return disables caching entirely; fetchUserContext falls through to the
// source on every miss.
func (s *Server) buildUserContextCache() orchestrator.UserContextCache {
	if s.cfg.Redis.Addr == "" {
		return nil
	}
	mgr, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
		DefaultTTL:   2 * time.Minute,
	}, s.logger)
	if err != nil {
		s.logger.Warn("redis cache unavailable, running without user-context cache", zap.Error(err))
		return nil
	}
	return mgr
}

// noopTokenStore satisfies token.Store when no database is configured: every
// user resolves as enrolled in nothing, so plans that need a provider
// surface as NeedsReauth instead of the process crashing on a nil db.
type noopTokenStore struct{}

func (noopTokenStore) Get(ctx context.Context, userID, provider string) (token.Token, error) {
	return token.Token{}, token.ErrNotFound
}
func (noopTokenStore) Put(ctx context.Context, t token.Token) error { return nil }
func (noopTokenStore) Delete(ctx context.Context, userID, provider string) error {
	return nil
}
func (noopTokenStore) EnrolledProviders(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

// initHotReloadManager wires the config hot-reload manager and its HTTP API.
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// startHTTPServer registers every route and starts the non-blocking HTTP
// listener.
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/chat/message", s.chatHandler.HandleMessage)
	mux.HandleFunc("/chat/message/stream", s.chatHandler.HandleMessageStream)

	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startMetricsServer starts the Prometheus scrape endpoint on its own port.
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until an OS signal requests shutdown, then cleans
// up.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown tears down every subsystem in reverse startup order.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}

