// Package main provides the validation API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api/handlers"
	"github.com/drfirst/go-rxsafety/internal/api/middleware"
	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/interactions"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/observability/tracing"
	"github.com/drfirst/go-rxsafety/internal/validation"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

const serviceName = "validation-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New()

	ruleset := validation.DefaultRuleset()
	if cfg.RulesFile != "" {
		if ruleset, err = validation.LoadRulesetFile(cfg.RulesFile, ruleset); err != nil {
			logger.Fatal("failed to load rules file", zap.Error(err))
		}
		logger.Info("loaded rules file", zap.String("path", cfg.RulesFile))
	}
	engine := validation.New(validation.WithRuleset(ruleset), validation.WithLogger(logger))

	deps := handlers.Deps{
		Engine:  engine,
		Metrics: m,
		Logger:  logger,
		NewID:   uuid.NewString,
	}

	// a catalog file runs the API without a database and without submissions
	var pool *pgxpool.Pool
	if cfg.CatalogFile != "" {
		catalog, err := prescription.LoadStaticCatalogFile(cfg.CatalogFile)
		if err != nil {
			logger.Fatal("failed to load catalog file", zap.Error(err))
		}
		deps.Catalog = catalog
		logger.Info("serving static catalog", zap.String("path", cfg.CatalogFile))
	} else {
		pool, err = postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("connected to database")

		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
		}
		catalog := prescription.NewCatalogRepository(pool, logger)
		deps.Catalog = catalog
		deps.Search = catalog
		deps.Submissions = postgres.NewSubmissionStore(pool, redpanda.TopicSubmissions, logger)
	}

	var breaker *circuitbreaker.Breaker
	if cfg.InteractionServiceURL != "" {
		bcfg := circuitbreaker.DefaultConfig("interaction-service")
		bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, string(to))
		}
		breaker, err = circuitbreaker.New(bcfg, logger)
		if err != nil {
			logger.Fatal("breaker creation failed", zap.Error(err))
		}
		m.SetBreakerState(breaker.Name(), string(breaker.State()))

		icfg := interactions.DefaultConfig(cfg.InteractionServiceURL)
		icfg.APIKey = cfg.InteractionServiceAPIKey
		icfg.CacheTTL = cfg.InteractionCacheTTL
		source, err := interactions.NewRemoteSource(icfg, breaker, logger,
			interactions.WithFallback(validation.StaticInteractions(ruleset.Interactions)),
			interactions.WithOnFallback(func(error) { m.InteractionFallbacks.Inc() }),
		)
		if err != nil {
			logger.Fatal("interaction source creation failed", zap.Error(err))
		}
		deps.Interactions = source
	}

	h, err := handlers.New(deps)
	if err != nil {
		logger.Fatal("handler creation failed", zap.Error(err))
	}

	apiKeys, err := cfg.ParsedAPIKeys()
	if err != nil {
		logger.Fatal("invalid API keys", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", healthHandler(cfg.ServiceVersion))
	r.Get("/ready", readyHandler(pool, breaker))
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Mount("/", h.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting validation API",
		zap.String("port", cfg.Port),
		zap.Bool("submissions", deps.Submissions != nil),
		zap.Bool("remote_interactions", deps.Interactions != nil),
		zap.Bool("tracing", tp.Enabled()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func healthHandler(version string) http.HandlerFunc {
	body, _ := json.Marshal(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": version,
	})
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

// readyHandler fails while the database is unreachable. An open interaction
// breaker is reported but does not fail readiness since the fallback table
// still serves.
func readyHandler(pool *pgxpool.Pool, breaker *circuitbreaker.Breaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "ready"}
		code := http.StatusOK
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				status["status"] = "not ready"
				status["database"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if breaker != nil {
			status["interaction_service"] = breaker.Health()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}
