package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	"github.com/cam3ron2/bitbucket-stats/internal/config"
	"github.com/cam3ron2/bitbucket-stats/internal/health"
	"github.com/cam3ron2/bitbucket-stats/internal/identity"
	"github.com/cam3ron2/bitbucket-stats/internal/metrics"
	"github.com/cam3ron2/bitbucket-stats/internal/stats"
	"go.uber.org/zap"
)

const storeProbeTimeout = 2 * time.Second

// Options overrides runtime dependencies, mainly for tests.
type Options struct {
	// HTTPDoer replaces the Bitbucket HTTP client.
	HTTPDoer bitbucket.HTTPDoer
	// IdentityStore replaces the configured shared identity tier.
	IdentityStore identityStore
	// Sleep replaces the retry backoff sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now replaces the wall clock used for request defaults.
	Now func() time.Time
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg       *config.Config
	stats     *stats.Service
	cache     *identity.Cache
	store     identityStore
	backend   string
	recorder  *metrics.Recorder
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	mu                    sync.RWMutex
	upstreamHealthy       bool
	upstreamFailureStreak int
	draining              bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime wires the Bitbucket client, identity cache, stats pipeline, metrics and health.
func NewRuntime(cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runtime := &Runtime{
		cfg:             cfg,
		recorder:        metrics.NewRecorder(),
		evaluator:       health.NewStatusEvaluator(),
		logger:          logger,
		upstreamHealthy: true,
		Now:             time.Now,
	}
	if opts.Now != nil {
		runtime.Now = opts.Now
	}

	doer := opts.HTTPDoer
	if doer == nil {
		doer = bitbucket.NewHTTPClient(cfg.Bitbucket.ConnectTimeout, cfg.Bitbucket.RequestTimeout)
	}
	client, err := bitbucket.NewClient(doer, bitbucket.ClientConfig{
		BaseURL: cfg.Bitbucket.APIBaseURL,
		Retry: bitbucket.RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Jitter:         cfg.Retry.Jitter,
		},
		Observer: runtime,
		Logger:   logger.Named("bitbucket"),
	})
	if err != nil {
		return nil, fmt.Errorf("build bitbucket client: %w", err)
	}
	if opts.Sleep != nil {
		client.Sleep = opts.Sleep
	}

	upstream, err := bitbucket.NewService(client, cfg.Bitbucket.APIBaseURL, bitbucket.ServiceConfig{
		MaxPages:      cfg.Bitbucket.MaxPages,
		SearchPageLen: cfg.Bitbucket.SearchPageLen,
		DetailPageLen: cfg.Bitbucket.DetailPageLen,
		Logger:        logger.Named("bitbucket"),
	})
	if err != nil {
		return nil, fmt.Errorf("build bitbucket service: %w", err)
	}

	runtime.store, runtime.backend = opts.IdentityStore, health.BackendRedis
	if runtime.store == nil {
		runtime.store, runtime.backend = newIdentityStore(cfg, logger)
	}
	var remote identity.RemoteStore
	if runtime.store != nil {
		remote = runtime.store
	}
	runtime.cache, err = identity.New(upstream.CurrentUser, identity.Config{
		MaxEntries: cfg.IdentityCache.MaxEntries,
		TTL:        cfg.IdentityCache.TTL,
		Remote:     remote,
		Observer:   runtime.recorder,
		Logger:     logger.Named("identity"),
	})
	if err != nil {
		return nil, fmt.Errorf("build identity cache: %w", err)
	}

	runtime.stats, err = stats.NewService(
		upstream,
		runtime.cache,
		stats.NewAssembler(cfg.Bitbucket.WebBaseURL),
		logger.Named("stats"),
	)
	if err != nil {
		return nil, fmt.Errorf("build stats service: %w", err)
	}

	logger.Info(
		"runtime initialized",
		zap.String("api_base_url", cfg.Bitbucket.APIBaseURL),
		zap.String("identity_store", runtime.backend),
		zap.Int("max_retries", cfg.Retry.MaxRetries),
		zap.Int("max_pages", cfg.Bitbucket.MaxPages),
	)
	return runtime, nil
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	httpLogger := r.logger.Named("http")
	handlers := newStatsHandlers(r.stats, r.recorder, r.cfg.Stats, httpLogger, r.Now)
	return NewHTTPHandler(HTTPHandlers{
		MyPullRequests: http.HandlerFunc(handlers.MyPullRequests),
		Reviews:        http.HandlerFunc(handlers.Reviews),
		Metrics:        r.recorder.Handler(),
		Health:         health.NewHandler(r),
		Logger:         httpLogger,
	})
}

// BeginDrain marks the runtime as shutting down so readiness fails before the listener closes.
func (r *Runtime) BeginDrain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	r.logger.Info("runtime draining")
}

// Close releases the shared identity tier.
func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	storeHealthy := true
	if r.store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
		if err := r.store.Ping(probeCtx); err != nil {
			storeHealthy = false
			r.logger.Warn("identity store ping failed", zap.Error(err))
		}
		cancel()
	}

	r.mu.RLock()
	input := health.Input{
		IdentityStoreBackend: r.backend,
		IdentityStoreHealthy: storeHealthy,
		UpstreamHealthy:      r.upstreamHealthy,
		Draining:             r.draining,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// ObserveAttempt records the attempt and tracks upstream health.
func (r *Runtime) ObserveAttempt(endpoint string, statusCode int, duration time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.recorder.ObserveAttempt(endpoint, statusCode, duration, err)

	// A terminal status still proves Bitbucket is reachable.
	reachable := err == nil || (statusCode > 0 && !bitbucket.IsRetryableStatus(statusCode))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateUpstreamHealthLocked(reachable)
}

// ObserveRetry records a scheduled retry.
func (r *Runtime) ObserveRetry(endpoint string, wait time.Duration) {
	r.recorder.ObserveRetry(endpoint, wait)
}

func (r *Runtime) updateUpstreamHealthLocked(attemptSuccessful bool) {
	threshold := r.cfg.Bitbucket.UnhealthyFailureThreshold
	if threshold <= 0 {
		threshold = 1
	}

	if attemptSuccessful {
		r.upstreamFailureStreak = 0
		if !r.upstreamHealthy {
			r.upstreamHealthy = true
			r.logger.Info("bitbucket upstream recovered")
		}
		return
	}

	r.upstreamFailureStreak++
	if r.upstreamFailureStreak >= threshold && r.upstreamHealthy {
		r.upstreamHealthy = false
		r.logger.Warn("bitbucket upstream marked unhealthy", zap.Int("failure_streak", r.upstreamFailureStreak))
	}
}
