package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nestlog/nestlog/pkg/ingest"
)

// Server wraps the gRPC server hosting the ingest service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer listens on addr and registers rec together with the gRPC health
// and reflection services. The given unary interceptors run after the
// Prometheus one and only on ingest calls; health checks bypass them.
func NewServer(addr string, rec ingest.Server, interceptors ...grpc.UnaryServerInterceptor) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	unary := []grpc.UnaryServerInterceptor{grpc_prometheus.UnaryServerInterceptor}
	for _, ic := range interceptors {
		unary = append(unary, ingestOnly(ic))
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)

	ingest.RegisterServer(grpcServer, rec)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ingest.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)

	return &Server{grpcServer: grpcServer, health: healthSrv, listener: lis}, nil
}

func ingestOnly(ic grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	prefix := "/" + ingest.ServiceName + "/"
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}
		return ic(ctx, req, info, handler)
	}
}

// Start serves incoming gRPC requests until Shutdown is invoked.
func (s *Server) Start() error {
	err := s.grpcServer.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Shutdown marks the server NOT_SERVING and stops it gracefully, falling
// back to Stop when ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}
