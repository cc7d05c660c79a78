package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/storefront/internal/commerce"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	httpsvc "github.com/vladislavdragonenkov/storefront/internal/service/http"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/session"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	shutdownTimeout        = 5 * time.Second
	readinessProbeInterval = 5 * time.Second
	grpcHealthService      = "storefront"
)

// Run поднимает storefront и блокируется до отмены ctx или ошибки HTTP-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer deps.close(logger)

	client := commerce.NewClient(cfg.APIBaseURL,
		commerce.WithTimeout(cfg.APITimeout),
		commerce.WithLogger(logger.WithField("layer", "commerce")),
	)

	catalog := initCatalog(ctx, cfg, client, logger)
	defer catalog.close(logger)

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers sync.WaitGroup

	brokers := initKafka(workersCtx, cfg, catalog.cache, logger)
	defer brokers.close(logger)

	if brokers.publisher != nil {
		worker := outbox.NewWorker(deps.outboxRepo, brokers.publisher,
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQPublisher(brokers.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		startWorker(workersCtx, &workers, worker.Run)
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	startWorker(workersCtx, &workers, cleanup.Run)

	registryOptions := []session.Option{
		session.WithLogger(logger.WithField("layer", "sessions")),
		session.WithMetrics(metrics.NewCartMetrics()),
		session.WithStateRepository(deps.cartStates),
		session.WithCatalog(catalog.catalog),
	}
	// без брокера in-memory outbox некому разбирать
	if brokers.publisher != nil || deps.store != nil {
		registryOptions = append(registryOptions, session.WithEvents(deps.outboxRepo))
	}
	registry := session.NewRegistry(ctx, client, registryOptions...)
	defer registry.Close()
	startWorker(workersCtx, &workers, func(ctx context.Context) {
		registry.RunEviction(ctx, cfg.SessionIdleTTL, cfg.SessionSweepInterval)
	})

	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithKeyTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("layer", "idempotency")),
	)
	handler := httpsvc.NewHandler(registry, catalog.catalog,
		httpsvc.WithIdempotencyGuard(guard),
		httpsvc.WithTimeout(cfg.APITimeout),
		httpsvc.WithLogger(logger.WithField("layer", "http")),
	)

	healthHandler := newHealthHandler(cfg, client, catalog, deps)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	grpcServer, err := startGRPCHealth(workersCtx, &workers, cfg.GRPCHealthAddr, healthHandler, logger)
	if err != nil {
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		stopWorkers()
		stopGRPC(grpcServer, logger)
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}

	httpSrv := &http.Server{
		Handler:           httpsvc.NewRouter(handler, logger.WithField("layer", "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("storefront API слушает %s", cfg.HTTPAddr)
		errCh <- httpSrv.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем storefront")
		shutdownHTTP(httpSrv, logger)
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	stopGRPC(grpcServer, logger)
	stopWorkers()
	workers.Wait()
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

func startWorker(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

// newHealthHandler регистрирует проверки зависимостей: backend и postgres
// критичны, кеш каталога и backlog outbox только понижают статус до degraded.
func newHealthHandler(cfg Config, client *commerce.Client, catalog catalogWiring, deps *runtimeDependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	handler.RegisterChecker("commerce", healthcheck.NewPingChecker("commerce", true, client.Ping))
	if catalog.cache != nil {
		handler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", false, catalog.cache.Ping))
	}
	if deps.store != nil {
		handler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", true, deps.store.Ping))
	}
	if cfg.OutboxMaxPending > 0 {
		handler.RegisterChecker("outbox", newOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))
	}
	return handler
}

// startGRPCHealth поднимает gRPC health-сервер, статус которого повторяет /readyz.
// Пустой addr отключает сервер.
func startGRPCHealth(ctx context.Context, wg *sync.WaitGroup, addr string, readiness *healthcheck.Handler, logger *log.Entry) (*grpc.Server, error) {
	if addr == "" {
		return nil, nil
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc health %s: %w", addr, err)
	}

	setServing(healthServer, readiness.Ready(ctx))
	startWorker(ctx, wg, func(ctx context.Context) {
		watchReadiness(ctx, healthServer, readiness, readinessProbeInterval)
	})

	go func() {
		logger.Infof("gRPC health слушает %s", addr)
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.WithError(err).Warn("grpc health server failed")
		}
	}()
	return server, nil
}

func watchReadiness(ctx context.Context, healthServer *health.Server, readiness *healthcheck.Handler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			healthServer.Shutdown()
			return
		case <-ticker.C:
			setServing(healthServer, readiness.Ready(ctx))
		}
	}
}

func setServing(healthServer *health.Server, ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	healthServer.SetServingStatus("", status)
	healthServer.SetServingStatus(grpcHealthService, status)
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	if server == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает /metrics и health-эндпоинты.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
