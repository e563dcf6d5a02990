// Package main provides the entry point for the literature monitoring service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/helixir/literature-monitor-service/internal/broker"
	"github.com/helixir/literature-monitor-service/internal/config"
	"github.com/helixir/literature-monitor-service/internal/database"
	"github.com/helixir/literature-monitor-service/internal/llm"
	"github.com/helixir/literature-monitor-service/internal/notify"
	"github.com/helixir/literature-monitor-service/internal/observability"
	"github.com/helixir/literature-monitor-service/internal/papersources"
	"github.com/helixir/literature-monitor-service/internal/papersources/pubmed"
	"github.com/helixir/literature-monitor-service/internal/pipeline"
	"github.com/helixir/literature-monitor-service/internal/repository"
	"github.com/helixir/literature-monitor-service/internal/scheduler"
	httpserver "github.com/helixir/literature-monitor-service/internal/server/http"
	"github.com/helixir/literature-monitor-service/internal/streamsync"
)

// healthService is the gRPC health service name reported to orchestrators.
const healthService = "literaturemonitor.v1.LiteratureMonitorService"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = observability.WithComponent(logger, "server")
	logger.Info().Msg("literature-monitor-service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	metrics := observability.NewMetrics(observability.ServiceName)

	executions := repository.NewPgExecutionRepository(db)
	streams := repository.NewPgStreamRepository(db)
	candidates := repository.NewPgCandidateRepository(db)
	reports := repository.NewPgReportRepository(db, logger)

	// Nothing is running yet, so any RUNNING row belongs to a process that died.
	if cfg.Scheduler.Enabled && cfg.Scheduler.RecoverOrphaned {
		n, err := executions.FailOrphaned(ctx, scheduler.InterruptedByShutdown)
		if err != nil {
			return fmt.Errorf("recover orphaned executions: %w", err)
		}
		if n > 0 {
			logger.Warn().Int64("count", n).Msg("failed executions orphaned by a previous process")
		}
	}

	sources := papersources.NewRegistry(pubmed.New(pubmed.Config{
		BaseURL:    cfg.PubMed.BaseURL,
		APIKey:     cfg.PubMed.APIKey,
		Timeout:    cfg.PubMed.Timeout,
		RateLimit:  cfg.PubMed.RateLimit,
		MaxRetries: cfg.PubMed.MaxRetries,
		MaxResults: cfg.Pipeline.DefaultMaxResults,
		Tool:       cfg.PubMed.Tool,
		Email:      cfg.PubMed.Email,
		Enabled:    true,
	}))

	evaluators := llm.NewFactory(llm.FactoryConfig{
		Provider:    cfg.LLM.Provider,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		RetryDelay:  cfg.LLM.RetryDelay,
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			Model:   cfg.LLM.OpenAI.Model,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			Model:   cfg.LLM.Anthropic.Model,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		},
		Guard: llm.GuardConfig{
			RateLimitRPS:   cfg.LLM.Resilience.RateLimitRPS,
			RateLimitBurst: cfg.LLM.Resilience.RateLimitBurst,
			Breaker: llm.CircuitBreakerConfig{
				ConsecutiveThreshold: cfg.LLM.Resilience.CBConsecutiveThreshold,
				Cooldown:             cfg.LLM.Resilience.CBCooldown,
			},
			CallTimeout: cfg.Pipeline.CallTimeout,
		},
	}, metrics, logger)

	notifier := notify.New(notify.Config{
		Enabled:      cfg.Notification.Enabled,
		Brokers:      cfg.Notification.Brokers,
		Topic:        cfg.Notification.Topic,
		WriteTimeout: cfg.Notification.WriteTimeout,
		BatchTimeout: cfg.Notification.BatchTimeout,
	}, metrics, logger)
	defer func() {
		if closeErr := notifier.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close notification sender")
		}
	}()

	statusBroker := broker.New(cfg.Broker.SubscriberBuffer, metrics, logger)

	pipe := pipeline.New(pipeline.Config{
		FilterConcurrency:     cfg.Pipeline.FilterConcurrency,
		CategorizeConcurrency: cfg.Pipeline.CategorizeConcurrency,
		SearchTimeout:         cfg.Pipeline.SearchTimeout,
		DefaultMaxResults:     cfg.Pipeline.DefaultMaxResults,
	}, pipeline.Deps{
		Candidates: candidates,
		Reports:    reports,
		Executions: executions,
		Sources:    sources,
		LLM:        evaluators,
		Publisher:  statusBroker,
		Metrics:    metrics,
		Logger:     logger,
	})

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherDeps{
		Executions: executions,
		Streams:    streams,
		Runner:     pipe,
		Publisher:  statusBroker,
		Notifier:   notifier,
		Metrics:    metrics,
		Logger:     logger,
	})

	sched := scheduler.New(scheduler.Config{
		PollInterval:       cfg.Scheduler.PollInterval,
		MaxConcurrentJobs:  cfg.Scheduler.MaxConcurrentJobs,
		UnhealthyThreshold: cfg.Scheduler.UnhealthyThreshold,
		ShutdownTimeout:    cfg.Scheduler.ShutdownTimeout,
	}, scheduler.Deps{
		State:      scheduler.NewWorkerState(),
		Dispatcher: dispatcher,
		Executions: executions,
		Streams:    streams,
		Publisher:  statusBroker,
		Metrics:    metrics,
		Logger:     logger,
	})

	// gRPC carries only the health and reflection services, for orchestration probes.
	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(100),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              5 * time.Minute,
			Timeout:           1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Minute,
			PermitWithoutStream: true,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcAddr := cfg.Server.GRPCAddress()
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on gRPC port: %w", err)
	}

	httpCfg := httpserver.Config{
		Address:           cfg.Server.HTTPAddress(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
		KeepaliveInterval: cfg.Broker.KeepaliveInterval,
	}
	httpSrv := httpserver.NewServer(httpCfg, httpserver.Deps{
		Executions: executions,
		Streams:    streams,
		Candidates: candidates,
		Scheduler:  sched,
		Broker:     statusBroker,
		DB:         db,
		Circuits:   evaluators,
		Logger:     logger,
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	errCh := make(chan error, 3)

	go func() {
		logger.Info().Str("address", grpcAddr).Msg("gRPC health server starting")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// The loop gets its own context so that an HTTP or gRPC failure can stop it
	// through the same graceful path as a signal.
	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedDone := make(chan error, 1)
	if cfg.Scheduler.Enabled {
		go func() { schedDone <- sched.Run(schedCtx) }()
	} else {
		logger.Warn().Msg("scheduler loop disabled: queued executions will not run")
		close(schedDone)
	}

	listenerDone := make(chan struct{})
	if cfg.StreamEvents.Enabled {
		listener := streamsync.NewListener(streamsync.Config{
			Brokers: cfg.StreamEvents.Brokers,
			Topic:   cfg.StreamEvents.Topic,
			GroupID: cfg.StreamEvents.GroupID,
		}, streams, sched, metrics, logger)
		go func() {
			defer close(listenerDone)
			_ = listener.Run(schedCtx)
			if err := listener.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close stream change listener")
			}
		}()
	} else {
		close(listenerDone)
	}

	readyLog := logger.Info().
		Str("grpc_address", grpcAddr).
		Str("http_address", httpCfg.Address).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Bool("stream_listener_enabled", cfg.StreamEvents.Enabled)
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("literature-monitor-service is ready")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("server error")
	}

	logger.Info().Msg("shutting down literature-monitor-service")
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting runs before draining the ones in flight.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stopScheduler()
	if err := <-schedDone; err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown error")
	}
	<-listenerDone

	// The drain above may outlast shutdownCtx, so the remaining servers get
	// a fresh deadline.
	stopAuxiliaryServers(cfg.Server.ShutdownTimeout, metricsServer, grpcServer, logger)

	logger.Info().Msg("literature-monitor-service shutdown complete")
	return serveErr
}

// stopAuxiliaryServers shuts down the metrics and gRPC servers within timeout,
// forcing the gRPC server closed when the deadline passes. It reports whether
// the gRPC server stopped gracefully.
func stopAuxiliaryServers(timeout time.Duration, metricsServer *http.Server, grpcServer *grpc.Server, logger zerolog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info().Msg("gRPC server stopped gracefully")
		return true
	case <-ctx.Done():
		logger.Warn().Msg("gRPC server forced shutdown due to timeout")
		grpcServer.Stop()
		return false
	}
}
