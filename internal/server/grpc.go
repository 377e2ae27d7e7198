package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"RiskGate/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves the control service over gRPC and the same operations
// as HTTP/JSON routes on a gRPC-Gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *Service
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	gatherer      prometheus.Gatherer
	logger        zerolog.Logger
	metrics       *observability.Metrics
}

// ServerDeps holds everything the servers need besides their addresses.
type ServerDeps struct {
	Service       *Service
	HealthChecker *observability.HealthChecker
	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

// NewGRPCServer creates the gRPC server with the control service, health
// and reflection registered. Health reports NOT_SERVING until SetServing.
func NewGRPCServer(grpcAddr, httpAddr string, deps ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		healthChecker: deps.HealthChecker,
		gatherer:      deps.Gatherer,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.observeInterceptor),
	)
	RegisterControlServer(s.grpcServer, deps.Service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips gRPC health and HTTP readiness together.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// Serve serves gRPC on an existing listener.
func (s *GRPCServer) Serve(lis net.Listener) error {
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop stops the gRPC server immediately.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
}

// StartHTTPGateway serves the HTTP routes, /metrics and the health
// endpoints until ctx is done.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the HTTP handler: API routes on the gateway mux plus
// /metrics, /healthz and /readyz.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux, err := newGatewayMux(s.service, s.observeHTTP)
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("method", info.FullMethod).
				Interface("panic", r).
				Msg("gRPC call panic recovered")
			err = status.Error(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

func (s *GRPCServer) observeInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(methodName(info.FullMethod), status.Code(err), time.Since(start), err)
	return resp, err
}

func (s *GRPCServer) observeHTTP(method string, code codes.Code, elapsed time.Duration, err error) {
	s.observe(method, code, elapsed, err)
}

func (s *GRPCServer) observe(method string, code codes.Code, elapsed time.Duration, err error) {
	if s.metrics != nil {
		s.metrics.APIRequests.WithLabelValues(method, code.String()).Inc()
		s.metrics.APIDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	}

	ev := s.logger.Debug()
	switch code {
	case codes.OK:
	case codes.Internal, codes.DataLoss, codes.Unknown:
		ev = s.logger.Error().Err(err)
	default:
		ev = s.logger.Info().Err(err)
	}
	ev.Str("method", method).
		Str("code", code.String()).
		Dur("duration", elapsed).
		Msg("control call")
}

func methodName(full string) string {
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		return full[i+1:]
	}
	return full
}
