// Package worker provides the HTTP service that hosts the notification
// pipeline, the learned model and the suppressed list.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/notigate/internal/classifier"
	"github.com/thebtf/notigate/internal/config"
	"github.com/thebtf/notigate/internal/db/sqlite"
	"github.com/thebtf/notigate/internal/learning"
	"github.com/thebtf/notigate/internal/maintenance"
	"github.com/thebtf/notigate/internal/pipeline"
	"github.com/thebtf/notigate/internal/remote"
	"github.com/thebtf/notigate/internal/suppressed"
	"github.com/thebtf/notigate/internal/worker/sse"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond

	// MaxRequestBody bounds API request bodies.
	MaxRequestBody = 256 << 10

	// ResetCooldown is the minimum time between model resets.
	ResetCooldown = time.Minute
)

// Service is the main worker service orchestrator.
type Service struct {
	version string
	log     zerolog.Logger

	// Configuration, swapped on settings reload
	cfgMu   sync.RWMutex
	config  *config.Config
	sources *config.Sources

	// Components, set once by initializeAsync
	store       *sqlite.Store
	model       *classifier.Classifier
	suppressed  *suppressed.Store
	pipeline    *pipeline.Pipeline
	maintenance *maintenance.Service
	watcher     *config.Watcher

	broadcaster  *sse.Broadcaster
	limiter      *RateLimiter
	resetLimiter *CooldownLimiter

	// HTTP server
	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context

	// Initialization state (for deferred init)
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
	initDone  chan struct{}
}

// NewService creates a worker service with deferred initialization.
// Health endpoints answer immediately; the database and model come up
// in the background.
func NewService(version string, cfg *config.Config, sources *config.Sources) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("worker: nil config")
	}
	if sources == nil {
		sources = config.NewSources()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	svc := &Service{
		version:      version,
		log:          log.With().Str("component", "worker").Logger(),
		config:       cfg,
		sources:      sources,
		broadcaster:  sse.NewBroadcaster(),
		limiter:      NewRateLimiter(50, 200),
		resetLimiter: NewCooldownLimiter(ResetCooldown),
		router:       chi.NewRouter(),
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		group:        group,
		gctx:         gctx,
		initDone:     make(chan struct{}),
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	group.Go(func() error {
		svc.initializeAsync()
		return nil
	})

	return svc, nil
}

// initializeAsync performs heavy initialization in the background.
func (s *Service) initializeAsync() {
	defer close(s.initDone)
	s.log.Info().Msg("Starting async initialization...")

	cfg := s.currentConfig()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0750); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	// Migrations run here and can be slow on first start
	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	list, err := suppressed.New(s.ctx, sqlite.NewSuppressedStore(store), cfg.SuppressedMax, s.log)
	if err != nil {
		_ = store.Close()
		s.setInitError(fmt.Errorf("load suppressed list: %w", err))
		return
	}

	model := classifier.New(sqlite.NewDocumentStore(store), classifier.Config{
		MaxFeatures:         cfg.MaxFeatures,
		SaveInterval:        cfg.SaveInterval,
		RecalculateInterval: cfg.RecalculateInterval,
		Learning: learning.Config{
			LearningRate: cfg.LearningRate,
			Degree:       cfg.LearningRateDegree,
		},
	}, s.log)

	// The remote client is always built so the engine can be switched by a
	// settings reload; endpoint and credentials apply at startup only.
	scorer := remote.NewClient(remote.Config{
		BaseURL:     cfg.RemoteEndpoint,
		APIKey:      cfg.RemoteAPIKey,
		Model:       cfg.RemoteModel,
		Instruction: cfg.RemoteInstruction,
		Timeout:     cfg.RemoteTimeout,
	}, s.log)

	surface := sse.NewSurface(s.broadcaster)
	pipe := pipeline.New(pipeline.Deps{
		Presenter:  surface,
		Tray:       surface,
		Behaviors:  surface,
		Model:      model,
		Remote:     scorer,
		Suppressed: list,
		Sources:    s.sources,
	}, pipeline.OptionsFrom(cfg), s.log)

	maint := maintenance.NewService(model, list, store, cfg, s.log).WithPending(pipe)

	s.initMu.Lock()
	s.store = store
	s.model = model
	s.suppressed = list
	s.pipeline = pipe
	s.maintenance = maint
	s.initMu.Unlock()

	model.Start(s.gctx)
	s.group.Go(func() error {
		maint.Start(s.gctx)
		return nil
	})

	s.ready.Store(true)
	s.log.Info().
		Str("mode", string(cfg.PresentationMode)).
		Str("engine", string(cfg.FilterEngine)).
		Int("suppressed", list.Len()).
		Msg("Async initialization complete - service ready")

	s.startWatcher()
}

// startWatcher reloads settings and sources when their files change.
func (s *Service) startWatcher() {
	dir := filepath.Dir(config.SettingsPath())
	w, err := config.NewWatcher(dir, s.reloadConfig, s.log)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Msg("Failed to start config watcher")
		return
	}
	s.initMu.Lock()
	s.watcher = w
	s.initMu.Unlock()
	s.log.Info().Str("dir", dir).Msg("Config watcher started")
}

// reloadConfig applies a changed settings.json or sources.yaml without a restart.
func (s *Service) reloadConfig(name string) {
	switch name {
	case "settings.json":
		cfg, err := config.LoadFrom(config.SettingsPath())
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to reload settings")
			return
		}
		config.Set(cfg)
		s.cfgMu.Lock()
		s.config = cfg
		s.cfgMu.Unlock()

		s.pipeline.SetOptions(pipeline.OptionsFrom(cfg))
		s.model.SetDegree(cfg.LearningRateDegree)
		s.log.Info().
			Str("mode", string(cfg.PresentationMode)).
			Str("engine", string(cfg.FilterEngine)).
			Float64("threshold", cfg.FilterThreshold).
			Msg("Settings reloaded")

	case "sources.yaml":
		src, err := config.LoadSources(config.SourcesPath())
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to reload sources")
			return
		}
		s.sources.Replace(src)
		s.log.Info().Msg("Sources reloaded")

	default:
		return
	}

	s.broadcaster.Publish(sse.Event{Type: sse.EventConfig, Message: name})
}

func (s *Service) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	s.log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until initialization finished or ctx is done.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()
	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders)
	s.router.Use(NewTokenAuth(s.config.APIToken).Middleware)
	s.router.Use(RateLimitMiddleware(s.limiter))
	s.router.Use(MaxBodySize(MaxRequestBody))
	s.router.Use(RequireJSONContentType)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health answers during init so clients can connect early
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)

	// SSE has no request timeout and works before init completes
	s.router.Get("/api/events", s.broadcaster.HandleSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.requireReady)

		r.Post("/api/notifications", s.handlePostNotification)
		r.Get("/api/notifications/{key}", s.handleGetPending)
		r.Post("/api/notifications/{key}/dismiss", s.handleFeedback(feedbackDismiss))
		r.Post("/api/notifications/{key}/open", s.handleFeedback(feedbackOpen))
		r.Post("/api/notifications/{key}/close", s.handleFeedback(feedbackClose))

		r.Get("/api/suppressed", s.handleListSuppressed)
		r.Delete("/api/suppressed", s.handleClearSuppressed)
		r.Post("/api/suppressed/select", s.handleSelectSuppressed)
		r.Post("/api/suppressed/needed", s.handleMarkNeeded)
		r.Post("/api/suppressed/delete", s.handleDeleteSuppressed)

		r.Post("/api/model/score", s.handleScore)
		r.Post("/api/model/learn", s.handleLearn)
		r.Get("/api/model/stats", s.handleStats)
		r.Post("/api/model/flush", s.handleFlush)
		r.Post("/api/model/reset", s.handleReset)
		r.Post("/api/maintenance/run", s.handleRunMaintenance)

		r.Get("/api/config", s.handleGetConfig)
	})
}

// Handler exposes the router, used by tests and embedding servers.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. Initialization continues in the background.
func (s *Service) Start() error {
	port := s.currentConfig().WorkerPort
	if port <= 0 {
		port = config.GetWorkerPort()
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.group.Go(func() error {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
			return err
		}
		return nil
	})

	s.log.Info().
		Int("port", port).
		Int("pid", os.Getpid()).
		Msg("Worker HTTP server started (initialization in progress)")

	return nil
}

// Done is closed when a background task fails or the service shuts down.
func (s *Service) Done() <-chan struct{} {
	return s.gctx.Done()
}

// Shutdown gracefully shuts down the service. Pending remote scores are
// cancelled and kept; the model is flushed before the database closes.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	select {
	case <-s.initDone:
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}

	s.initMu.RLock()
	watcher, maint, pipe, model, store := s.watcher, s.maintenance, s.pipeline, s.model, s.store
	s.initMu.RUnlock()

	if watcher != nil {
		_ = watcher.Close()
	}

	// Background loops exit on cancel; the model must be idle before it is released.
	s.cancel()
	if maint != nil {
		maint.Stop()
		maint.Wait()
	}
	if pipe != nil {
		pipe.Close()
	}
	if model != nil {
		if err := model.Close(ctx); err != nil {
			s.log.Error().Err(err).Msg("Model flush on shutdown failed")
		}
	}

	err := s.group.Wait()

	if store != nil {
		if cerr := store.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("Database close error")
		}
	}

	s.log.Info().Msg("Worker service shutdown complete")
	return err
}
