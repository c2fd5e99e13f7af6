package signals

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/monitoring"
	"admission-gateway/internal/tracing"

	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server hosts the Signals service and the standard gRPC health service.
type Server struct {
	config  config.ServerConfig
	token   string
	logger  *logging.Logger
	metrics *monitoring.AdmissionMetrics
	tracer  *tracing.TracingService
	health  *health.Server
	server  *grpc.Server

	stopOnce sync.Once
}

// NewServer creates a new gRPC server. metrics and tracer may be nil.
func NewServer(cfg config.ServerConfig, sec config.SecurityConfig, sink admission.SignalSink, metrics *monitoring.AdmissionMetrics, tracer *tracing.TracingService, logger *logging.Logger) (*Server, error) {
	s := &Server{
		config:  cfg,
		token:   sec.AdminToken,
		logger:  logger.WithField("component", "grpc"),
		metrics: metrics,
		tracer:  tracer,
		health:  health.NewServer(),
	}

	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(
		s.correlationInterceptor,
		s.loggingInterceptor,
		s.authInterceptor,
	)}
	if sec.TLSEnabled {
		creds, err := credentials.NewServerTLSFromFile(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load gRPC TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&ServiceDesc, NewService(sink, s.logger))
	healthpb.RegisterHealthServer(s.server, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// Start listens on the configured gRPC port and serves in the background.
func (s *Server) Start() error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.logger.Info("Starting gRPC server", "address", address)
	go func() {
		if err := s.Serve(listener); err != nil {
			s.logger.Error("gRPC server failed", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// MarkNotServing flips every health status to NOT_SERVING so load balancers
// drain the instance before it stops.
func (s *Server) MarkNotServing() {
	s.health.Shutdown()
}

// Stop stops the gRPC server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping gRPC server")
		s.MarkNotServing()
		s.server.GracefulStop()
	})
}

func (s *Server) correlationInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	correlationID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(strings.ToLower(logging.CorrelationIDHeader)); len(v) > 0 {
			correlationID = logging.SanitizeCorrelationID(v[0])
		}
	}
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	ctx = logging.CreateContextWithIDs(ctx, correlationID, logging.GenerateRequestID())
	return handler(ctx, req)
}

// loggingInterceptor is a gRPC unary interceptor for logging, metrics and tracing
func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()

	if s.tracer != nil {
		service, method := splitMethod(info.FullMethod)
		var span oteltrace.Span
		ctx, span = s.tracer.InstrumentGRPCRequest(ctx, service, method)
		defer span.End()
	}

	resp, err := handler(ctx, req)
	if err != nil && s.tracer != nil {
		s.tracer.RecordError(oteltrace.SpanFromContext(ctx), err)
	}

	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.GRPCRequests.Inc()
		if err != nil {
			s.metrics.GRPCErrors.Inc()
		}
	}

	if err != nil {
		s.logger.WarnContext(ctx, "gRPC request failed",
			"method", info.FullMethod,
			"duration", duration,
			"code", status.Code(err).String(),
			"error", err,
		)
	} else {
		s.logger.DebugContext(ctx, "gRPC request completed",
			"method", info.FullMethod,
			"duration", duration,
		)
	}

	return resp, err
}

func splitMethod(fullMethod string) (service, method string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return "unknown", fullMethod
}
