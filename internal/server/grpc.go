package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"CityLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server runs the gRPC endpoint (health + reflection) and the HTTP/JSON API.
// The HTTP surface carries the actual game traffic: the command API for
// writes and the query API for reads. gRPC stays up for infra probes and
// grpcurl tooling.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

func New(grpcAddr, httpAddr string, api *API, checker *observability.HealthChecker, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	httpMux := http.NewServeMux()
	if checker != nil {
		httpMux.HandleFunc("/healthz", checker.LivenessHandler)
		httpMux.HandleFunc("/readyz", checker.ReadinessHandler)
	}
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", api.Routes())

	return &Server{
		grpcServer:   grpcServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		healthServer: healthServer,
		httpServer: &http.Server{
			Addr:    httpAddr,
			Handler: httpMux,
		},
		healthChecker: checker,
		log:           log,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
