package grpc

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

// ServiceName 健康检查中的服务名
const ServiceName = "messaging"

// HealthServer 标准 gRPC 健康检查服务，供负载均衡与编排系统探活
type HealthServer struct {
	health *health.Server
	server *grpc.Server
	port   int
	logger *zap.Logger
}

// NewHealthServer 创建健康检查服务器
func NewHealthServer(port int, logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &HealthServer{
		health: h,
		server: s,
		port:   port,
		logger: logger.With(zap.String("component", "grpc-health")),
	}
}

// Start 监听端口并开始服务
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen port %d: %w", s.port, err)
	}
	s.Serve(lis)
	return nil
}

// Serve 在给定 listener 上服务
func (s *HealthServer) Serve(lis net.Listener) {
	s.SetServing(true)
	s.logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))
	safego.Go(s.logger, "grpc-health", func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	})
}

// SetServing 更新整体与 messaging 服务的健康状态
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop 标记为不可用并优雅停止
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
	s.logger.Info("gRPC health server stopped")
}
