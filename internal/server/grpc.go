package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"CentralLedger/internal/observability"
	"CentralLedger/internal/query"
	"CentralLedger/internal/reconciliation"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Reconciler records administrative fund movements.
type Reconciler interface {
	RecordFundsIn(ctx context.Context, req reconciliation.FundsMovement) (*reconciliation.Result, error)
	RecordFundsOutPrepareReserve(ctx context.Context, req reconciliation.FundsMovement) (*reconciliation.Result, error)
	RecordFundsOutCommit(ctx context.Context, req reconciliation.Completion) (*reconciliation.Result, error)
	RecordFundsOutAbort(ctx context.Context, req reconciliation.Completion) (*reconciliation.Result, error)
}

// Querier answers read-only lookups.
type Querier interface {
	GetTransfer(ctx context.Context, id string) (query.TransferView, error)
	GetFxTransfer(ctx context.Context, id string) (*query.FxTransferView, error)
	GetParticipantPositions(ctx context.Context, participant string) (*query.ParticipantPositions, error)
}

// GRPCServer runs the gRPC health and reflection services and the HTTP
// gateway serving the admin and query routes.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	gateway      *runtime.ServeMux
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
	logger       zerolog.Logger
}

// ServerDeps holds the services behind the HTTP routes.
type ServerDeps struct {
	Reconciliation Reconciler
	Query          Querier
	HealthChecker  *observability.HealthChecker
	Metrics        *observability.Metrics
}

// NewGRPCServer builds both servers and registers every route.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		gateway:      runtime.NewServeMux(),
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       observability.NewLogger("server"),
	}
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler is the HTTP handler: health endpoints plus the gateway routes.
func (s *GRPCServer) Handler() http.Handler {
	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", s.gateway)
	return httpMux
}

// StartGRPC serves gRPC until ctx is cancelled.
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
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves HTTP until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
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
