package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/storage-gateway/internal/api"
	"github.com/Chapsvision-dev/storage-gateway/internal/config"
	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/movecopy"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider/azure"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider/s3compat"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider/s3compatinstitutions"
	"github.com/Chapsvision-dev/storage-gateway/internal/quota"
	"github.com/Chapsvision-dev/storage-gateway/internal/signing"
	"github.com/Chapsvision-dev/storage-gateway/internal/tasks"
)

const shutdownTimeout = 15 * time.Second

// server is the assembled gateway: HTTP handler plus the resources it owns.
type server struct {
	http  *http.Server
	redis *redis.Client
}

func appMetrics() *metrics.Metrics { return metrics.Get() }

// configureBackends pushes process-wide settings into the provider packages.
func configureBackends(cfg config.Config) error {
	ro := cfg.RetryOptions()
	azure.Retry = ro
	s3compat.Retry = ro

	if cfg.Signing.Secret == "" {
		log.Debug().Str("action", "configure").Msg("no HMAC secret; institution quota lookups disabled")
		return nil
	}
	signer, err := signing.NewSigner(cfg.Signing.Secret, cfg.Signing.Algorithm)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	s3compatinstitutions.Configure(s3compatinstitutions.Settings{
		OSFURL: cfg.OSFURL,
		Signer: signer,
		Retry:  ro,
	})
	return nil
}

func newServer(cfg config.Config) (*server, error) {
	if err := configureBackends(cfg); err != nil {
		return nil, err
	}
	authHandler, err := newAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	m := appMetrics()
	s := &server{}
	var dispatcher tasks.Dispatcher
	switch cfg.Dispatcher {
	case "redis":
		s.redis = newRedis(cfg.Redis)
		dispatcher = tasks.NewRedisDispatcher(s.redis, cfg.Tasks.Queue, cfg.Tasks.Timeout, m)
	default:
		dispatcher = tasks.NewLocalDispatcher(tasks.NewExecutor(provider.Default, m), m)
	}

	orch := &movecopy.Orchestrator{
		Auth:            authHandler,
		Registry:        provider.Default,
		Addons:          cfg.AddonMethodProviders,
		Guard:           quota.NewGuard(cfg.QuotaWalkConcurrency, m),
		Dispatcher:      dispatcher,
		DefaultConflict: cfg.DefaultConflict,
		Metrics:         m,
		Background:      true,
	}

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Orchestrator: orch,
		Auth:         authHandler,
		Registry:     provider.Default,
		Addons:       cfg.AddonMethodProviders,
		BaseURL:      cfg.APIBaseURL,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("action", "serve").Str("dispatcher", dispatcher.Name()).
		Str("auth", cfg.Auth.Method).Strs("providers", provider.Default.Names()).
		Msg("gateway assembled")
	return s, nil
}

// run serves until ctx is cancelled, then drains in-flight requests.
func (s *server) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("action", "serve").Str("addr", s.http.Addr).Msg("listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	start := time.Now()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Str("action", "serve").Dur("elapsed_ms", time.Since(start)).Msg("server stopped")
	return nil
}

func (s *server) close() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close redis client")
	}
}
