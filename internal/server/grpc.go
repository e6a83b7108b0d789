package server

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// serviceName is the health service name reported alongside the overall ("") status.
const serviceName = "smartsensor.Pipeline"

// grpcServer serves the standard health protocol and reflection.
type grpcServer struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *zap.Logger
}

func newGRPCServer(logger *zap.Logger) *grpcServer {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.ConnectionTimeout(30*time.Second),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	reflection.Register(s)
	return &grpcServer{server: s, health: hs, logger: logger.Named("grpc")}
}

func (g *grpcServer) start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.lis = lis
	g.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

func (g *grpcServer) setServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
}

func (g *grpcServer) stop() {
	g.setServing(false)
	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		g.logger.Info("gRPC server stopped")
	case <-time.After(5 * time.Second):
		g.logger.Warn("gRPC server forced to stop after timeout")
		g.server.Stop()
	}
}
