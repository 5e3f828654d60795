package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/sessionreview/backend/internal/adapters/database"
	"github.com/zatekoja/sessionreview/backend/internal/adapters/events"
	"github.com/zatekoja/sessionreview/backend/internal/api/handlers"
	"github.com/zatekoja/sessionreview/backend/internal/api/routes"
	"github.com/zatekoja/sessionreview/backend/internal/application/services"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/internal/domain/repositories"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/clients/openai"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
	"github.com/zatekoja/sessionreview/backend/pkg/config"
	"github.com/zatekoja/sessionreview/backend/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize structured logging
	env := os.Getenv("ENV")
	if env == "" {
		env = "production"
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-api", env, os.Getenv("LOG_LEVEL"))

	log.Info().
		Str("service", cfg.OTEL.ServiceName+"-api").
		Str("version", cfg.OTEL.ServiceVersion).
		Str("env", env).
		Msg("Starting API Server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}
	pipelineMetrics, err := observability.NewPipelineMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline metrics")
	}

	// Audit storage is optional; runs proceed without it
	var (
		records repositories.ExecutionRecordRepository
		alerts  repositories.SafetyAlertRepository
	)
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Warn().Err(err).Msg("PostgreSQL unavailable, execution audit disabled")
	} else {
		defer pgClient.Close()
		records = database.NewExecutionRecordAdapter(pgClient)
		alerts = database.NewSafetyAlertAdapter(pgClient)
		log.Info().Msg("PostgreSQL client initialized")
	}

	// Event bus is optional; without it only in-process subscribers see updates
	var eventBus providers.EventBus
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, run events disabled")
	} else {
		defer redisClient.Close()
		eventBus = events.NewRedisEventBus(redisClient)
		log.Info().Msg("Event bus initialized")
	}

	analysisClient, err := openai.NewClient(&cfg.Analysis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize analysis client")
	}

	registry, err := services.NewPipelineRegistry().ApplySettings(cfg.Pipelines)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pipeline settings")
	}

	executor := services.NewPipelineExecutor(analysisClient, records, alerts, int64(cfg.Analysis.MaxConcurrent), pipelineMetrics)

	actionService, err := services.NewActionPrioritizationService(services.ActionConfig{
		GroupThreshold:  cfg.Actions.GroupThreshold,
		GroupingEnabled: cfg.Actions.GroupingEnabled,
	}, cfg.Actions.CacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize action service")
	}
	services.RegisterActionHandler(actionService, services.NewActionEventHandler(eventBus))

	opts := []services.OrchestratorOption{
		services.WithRetryPolicy(retry.Policy{BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay}),
		services.WithActionService(actionService),
		services.WithPipelineMetrics(pipelineMetrics),
		services.WithRunRetention(cfg.Runs.Retention),
	}
	if eventBus != nil {
		opts = append(opts, services.WithEventBus(eventBus))
	}
	orchestrator := services.NewAnalysisOrchestrator(registry, executor, opts...)

	analysisHandler := handlers.NewAnalysisHandler(orchestrator, registry, records)
	var sseHandler *handlers.SSEHandler
	if eventBus != nil {
		sseHandler = handlers.NewSSEHandler(eventBus, orchestrator)
	}

	router := routes.NewRouter(analysisHandler, sseHandler, metrics)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}

	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Strs("active_runs", orchestrator.ActiveRuns()).Msg("Runs still active at shutdown")
	}
	executor.Wait()

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing event bus")
		}
	}

	log.Info().Msg("Server stopped")
}
