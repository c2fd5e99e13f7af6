package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/api"
	"admission-gateway/internal/blacklist"
	"admission-gateway/internal/botscore"
	"admission-gateway/internal/clock"
	"admission-gateway/internal/config"
	"admission-gateway/internal/janitor"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/monitoring"
	"admission-gateway/internal/signals"
	"admission-gateway/internal/tracing"
	"admission-gateway/internal/tracker"
	"admission-gateway/internal/upstream"
)

// Server owns every long lived component of the gateway.
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	tracer    *tracing.TracingService
	blacklist *blacklist.Manager
	scheduler *admission.Scheduler
	janitor   *janitor.Janitor
	metrics   *monitoring.AdmissionMetrics
	collector *monitoring.MetricsCollector
	handler   http.Handler

	httpServer *HTTPServer
	grpcServer *signals.Server
	startTime  time.Time

	cancel context.CancelFunc
}

func NewServer(cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(&cfg.Logging)
	return newServer(cfg, clock.NewSystemClock(), logger)
}

func newServer(cfg *config.Config, clk clock.Clock, logger *logging.Logger) (*Server, error) {
	version := cfg.Tracing.ServiceVersion

	logger.Info("Initializing server",
		"version", version,
		"blacklist_store", cfg.Blacklist.Store,
	)

	tracer, err := tracing.NewTracingService(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing service: %w", err)
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg.Blacklist)
	if err != nil {
		tracer.Close(ctx)
		return nil, err
	}

	bl, err := blacklist.NewManager(ctx, clk, store, cfg.Blacklist.AmnestyInterval, logger)
	if err != nil {
		store.Close()
		tracer.Close(ctx)
		return nil, fmt.Errorf("failed to create blacklist manager: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		tracer:    tracer,
		blacklist: bl,
		startTime: time.Now(),
	}
	if err := s.build(clk, version); err != nil {
		bl.Close()
		tracer.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Server) build(clk clock.Clock, version string) error {
	cfg := s.config

	tr, err := tracker.New(clk, tracker.Config{
		MaxPerWindow:       cfg.Admission.MaxPerWindow,
		Window:             cfg.Admission.Window,
		DailyLimit:         cfg.Admission.DailyLimit,
		DailyWindow:        tracker.DefaultDailyWindow,
		ViolationThreshold: cfg.Blacklist.Threshold,
		MaxTracked:         cfg.Admission.MaxTracked,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	s.scheduler, err = admission.NewScheduler(clk, admission.Config{
		MaxQueueSize:      cfg.Admission.MaxQueueSize,
		MaxTotalQueued:    cfg.Admission.MaxTotalQueued,
		RequestTimeout:    cfg.Admission.RequestTimeout,
		MaxRetries:        cfg.Admission.MaxRetries,
		BackoffBase:       cfg.Admission.BackoffBase,
		MaxBackoff:        cfg.Admission.MaxBackoff,
		RequestSpacing:    cfg.Admission.RequestSpacing,
		BreakerIterations: cfg.Admission.BreakerIterations,
	}, tr, s.blacklist, botscore.NewHeuristics(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	s.janitor, err = janitor.New(janitor.Config{
		Interval:             cfg.Janitor.Interval,
		DataTTL:              cfg.Janitor.DataTTL,
		HeapThresholdMB:      cfg.Janitor.HeapThresholdMB,
		SysThresholdMB:       cfg.Janitor.SysThresholdMB,
		EmergencyKeep:        cfg.Janitor.EmergencyKeep,
		AmnestyCheckInterval: cfg.Blacklist.AmnestyCheckInterval,
	}, s.scheduler, nil, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}

	s.metrics = monitoring.NewAdmissionMetrics()
	s.metrics.RegisterScheduler(s.scheduler)
	s.collector = monitoring.NewMetricsCollector(s.metrics, 15*time.Second)

	health := monitoring.NewHealthManager(version)
	health.RegisterChecker(monitoring.NewMemoryHealthChecker(nil, cfg.Janitor.HeapThresholdMB, cfg.Janitor.SysThresholdMB))
	health.RegisterChecker(monitoring.NewQueueHealthChecker(s.scheduler.QueueSaturation))

	routes := api.Routes{Health: health}
	if cfg.Metrics.Enabled {
		routes.Exporter = monitoring.NewPrometheusExporter(s.metrics, version)
		routes.MetricsPath = cfg.Metrics.Path
	}
	if cfg.Upstream.BaseURL != "" {
		fwd, err := upstream.New(cfg.Upstream, s.metrics, s.tracer, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create upstream forwarder: %w", err)
		}
		routes.Upstream = fwd
		health.RegisterChecker(monitoring.NewHTTPDependencyChecker("upstream", cfg.Upstream.BaseURL, 5*time.Second, false))
	} else {
		s.logger.Warn("No upstream configured; /api requests will not be routed")
	}

	if cfg.Security.AdminToken == "" {
		s.logger.Warn("No admin token configured; admin and signal APIs accept loopback callers only")
	}
	rest := api.NewRESTHandler(s.scheduler, s.janitor, s.logger, api.Options{
		AdminToken:  cfg.Security.AdminToken,
		StatsTopN:   cfg.Admission.StatsTopN,
		MaxBodySize: cfg.Server.MaxBodySize,
		Metrics:     s.metrics,
		Tracer:      s.tracer,
	})
	s.handler = rest.SetupRoutes(routes)

	s.httpServer = NewHTTPServer(cfg.Server, cfg.Security, s.handler, s.logger)
	if cfg.Server.GRPCPort > 0 {
		grpcServer, err := signals.NewServer(cfg.Server, cfg.Security, s.scheduler, s.metrics, s.tracer, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
		s.grpcServer = grpcServer
	}
	return nil
}

func openStore(ctx context.Context, cfg config.BlacklistConfig) (blacklist.Store, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return blacklist.NewMemoryStore(), nil
	case config.StoreBadger:
		store, err := blacklist.NewBadgerStore(blacklist.BadgerConfig{
			DataPath:   cfg.BadgerPath,
			InMemory:   cfg.BadgerInMemory,
			SyncWrites: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger blacklist store: %w", err)
		}
		return store, nil
	case config.StoreRedis:
		store, err := blacklist.NewRedisStore(ctx, blacklist.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis blacklist store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blacklist store: %q", cfg.Store)
	}
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Scheduler exposes the admission scheduler, mostly for tests.
func (s *Server) Scheduler() *admission.Scheduler {
	return s.scheduler
}

// Start runs the gateway until SIGINT/SIGTERM or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("Starting admission gateway")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	errChan := make(chan error, 2)

	s.janitor.Start(ctx)
	s.collector.Start()

	if s.grpcServer != nil {
		if err := s.grpcServer.Start(); err != nil {
			s.Shutdown(context.Background())
			return fmt.Errorf("gRPC server failed: %w", err)
		}
	}

	go func() {
		if err := s.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s.logger.Info("Server started successfully",
		"http_port", s.config.Server.Port,
		"grpc_port", s.config.Server.GRPCPort,
	)

	select {
	case err := <-errChan:
		s.logger.Error("Server encountered an error", "error", err.Error())
		s.Shutdown(context.Background())
		return err
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops admitting, fails everything still queued with 503, drains
// the listeners and flushes the blacklist store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	if s.grpcServer != nil {
		s.grpcServer.MarkNotServing()
	}

	if err := s.scheduler.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	if err := s.httpServer.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}

	s.janitor.Stop()
	s.collector.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	if err := s.blacklist.Close(); err != nil {
		errs = append(errs, fmt.Errorf("blacklist store: %w", err))
	}
	if err := s.tracer.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Error during shutdown", "error", err.Error())
		return err
	}
	s.logger.Info("Server shutdown completed", "uptime", s.GetUptime().String())
	return nil
}

func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
