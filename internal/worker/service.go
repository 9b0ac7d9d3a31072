// Package worker provides the HTTP worker service for clusterscope.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/internal/config"
	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/internal/db/gorm"
	"github.com/thebtf/clusterscope/internal/db/memdb"
	"github.com/thebtf/clusterscope/internal/maintenance"
	"github.com/thebtf/clusterscope/internal/scoring"
	"github.com/thebtf/clusterscope/internal/watcher"
	"github.com/thebtf/clusterscope/pkg/models"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxBodyBytes bounds request bodies. Entity imports carry embeddings.
	DefaultMaxBodyBytes = 64 << 20

	// DefaultSweepCooldown is the minimum time between parameter sweeps.
	DefaultSweepCooldown = 10 * time.Second

	// storePingTimeout bounds the store readiness ping at start.
	storePingTimeout = 10 * time.Second
)

// Service is the worker: HTTP API, background scenario runner, scheduled
// maintenance and config reloads.
type Service struct {
	startTime     time.Time
	ctx           context.Context
	store         db.Store
	clustering    *clustering.Service
	runner        *clustering.Runner
	maintenance   *maintenance.Service
	ranker        *scoring.Ranker
	router        *chi.Mux
	server        *http.Server
	createLimiter *PerClientRateLimiter
	sweepLimiter  *BulkOperationLimiter
	configWatcher *watcher.Watcher
	config        *config.Config
	cancel        context.CancelFunc
	initErr       error
	version       string
	wg            sync.WaitGroup
	initMu        sync.RWMutex
	ready         atomic.Bool
}

// OpenStore opens the store selected by cfg.StoreDriver.
func OpenStore(cfg *config.Config) (db.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		return memdb.New(), nil
	case config.StoreDriverPostgres, "":
		if cfg.DatabaseDSN == "" {
			return nil, errors.New("database DSN is required for the postgres store (set CLUSTERSCOPE_DATABASE_DSN)")
		}
		store, err := gorm.NewStore(gorm.Config{
			DSN:           cfg.DatabaseDSN,
			MaxConns:      cfg.MaxConns,
			EmbeddingDims: cfg.EmbeddingDims,
			LogLevel:      gormlogger.Silent,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewService wires the clustering service, runner and candidate ranker over store.
func NewService(version string, cfg *config.Config, store db.Store) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	svc := clustering.NewService(store, clustering.ConfigFrom(cfg), log.Logger)
	runner := clustering.NewRunner(svc, clustering.RunnerConfigFrom(cfg), log.Logger)
	svc.SetEnqueuer(runner)

	calc := scoring.NewCandidateCalculator(candidateConfigFrom(cfg))

	s := &Service{
		version:       version,
		config:        cfg,
		store:         store,
		clustering:    svc,
		runner:        runner,
		maintenance:   maintenance.NewService(svc, cfg, log.Logger),
		ranker:        scoring.NewRanker(store, calc, log.Logger),
		router:        chi.NewRouter(),
		createLimiter: NewPerClientRateLimiter(cfg.CreateRateLimit, cfg.CreateRateBurst),
		sweepLimiter:  NewBulkOperationLimiter(DefaultSweepCooldown),
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func candidateConfigFrom(cfg *config.Config) *models.CandidateConfig {
	return &models.CandidateConfig{
		ViabilityWeight:    cfg.ViabilityWeight,
		RatioWeight:        cfg.RatioWeight,
		ProblemCountWeight: cfg.ProblemCountWeight,
	}
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Clustering returns the clustering service.
func (s *Service) Clustering() *clustering.Service {
	return s.clustering
}

// Runner returns the background scenario runner.
func (s *Service) Runner() *clustering.Runner {
	return s.runner
}

func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initErr = err
	s.initMu.Unlock()
}

// GetInitError returns the store initialization error, if any.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initErr
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(AccessLog)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(DefaultMaxBodyBytes))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Use(RequireJSONContentType)

		r.Route("/api/scenarios", func(r chi.Router) {
			r.With(PerClientRateLimitMiddleware(s.createLimiter)).Post("/", s.handleCreateScenario)
			r.Get("/", s.handleListScenarios)
			r.Post("/sweep", s.handleSweep)
			r.Get("/{id}", s.handleGetScenario)
			r.Delete("/{id}", s.handleDeleteScenario)
			r.Post("/{id}/promote", s.handlePromoteScenario)
			r.Put("/{id}/clusters/{clusterID}/label", s.handleLabelScenarioCluster)
		})

		r.Route("/api/versions", func(r chi.Router) {
			r.Get("/", s.handleListVersions)
			r.Get("/active", s.handleActiveVersion)
			r.Get("/{version}/centroids", s.handleGetCentroids)
			r.Post("/{version}/rollback", s.handleRollback)
			r.Put("/{version}/clusters/{clusterID}/label", s.handleLabelProductionCluster)
		})

		r.Post("/api/entities", s.handleImportEntities)
		r.Get("/api/entities/{id}", s.handleGetEntity)

		r.Get("/api/integrity/orphans", s.handleOrphans)
		r.Get("/api/candidates", s.handleCandidates)
		r.Get("/api/candidates/best", s.handleBestCandidate)
		r.Get("/api/stats", s.handleStats)
		r.Post("/api/maintenance/run", s.handleRunMaintenance)
	})
}

// Start pings the store, starts the runner and the HTTP server, and watches the
// settings file for changes.
func (s *Service) Start() error {
	pingCtx, cancel := context.WithTimeout(s.ctx, storePingTimeout)
	err := s.store.Ping(pingCtx)
	cancel()
	if err != nil {
		s.setInitError(err)
		return fmt.Errorf("store not reachable: %w", err)
	}
	s.ready.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runner.Start(s.ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenance.Start(s.ctx)
	}()
	s.startWatchers()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.WorkerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", s.config.WorkerPort).
		Str("store", s.config.StoreDriver).
		Msg("Worker service started")
	return nil
}

// startWatchers starts the settings file watcher.
func (s *Service) startWatchers() {
	configPath := config.SettingsPath()
	configWatcher, err := watcher.New(configPath, func() {
		log.Info().Str("path", configPath).Msg("Config file changed, reloading...")
		s.reloadConfig()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return
	}
	if err := configWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		return
	}
	s.configWatcher = configWatcher
	log.Info().Str("path", configPath).Msg("Config file watcher started")
}

// reloadConfig re-reads the settings file and applies what can change at runtime.
func (s *Service) reloadConfig() {
	cfg, err := config.Reload()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping current settings")
		return
	}
	s.applyConfig(cfg)
}

// applyConfig updates the clustering tunables and candidate weights. Port, store and
// runner concurrency are fixed at start.
func (s *Service) applyConfig(cfg *config.Config) {
	s.clustering.UpdateConfig(clustering.ConfigFrom(cfg))
	s.ranker.Calculator().UpdateConfig(candidateConfigFrom(cfg))
	log.Info().
		Int("max_k", cfg.MaxK).
		Int("max_iterations", cfg.MaxIterations).
		Float64("seed_separation", cfg.SeedSeparation).
		Msg("Runtime settings applied")
}

// Shutdown stops the HTTP server, waits for running scenarios and closes the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	if s.configWatcher != nil {
		_ = s.configWatcher.Stop()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	// Running scenarios see the cancellation and go back to pending.
	s.cancel()
	s.runner.Stop()
	s.maintenance.Stop()
	done := make(chan struct{})
	go func() {
		s.runner.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Shutdown deadline reached before scenario runs finished")
	}

	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("Store close error")
	}

	log.Info().Dur("uptime", time.Since(s.startTime)).Msg("Worker service shutdown complete")
	return nil
}
