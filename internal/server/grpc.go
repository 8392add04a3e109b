package server

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/stats"

	"github.com/PaulBabatuyi/s3upload/internal/middleware"
	"github.com/PaulBabatuyi/s3upload/internal/observability"
)

// StorageHealthService is the health service name the storage probe reports under.
const StorageHealthService = "s3upload.storage"

type GRPCConfig struct {
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	StatsHandler stats.Handler
	Reflection   bool
}

// NewGRPCServer builds the gRPC server carrying the standard health service.
// The returned health server is driven by the storage probe.
func NewGRPCServer(cfg GRPCConfig) (*grpc.Server, *health.Server) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	unary := []grpc.UnaryServerInterceptor{}
	stream := []grpc.StreamServerInterceptor{}
	if cfg.Metrics != nil {
		sm := cfg.Metrics.GetServerMetrics()
		unary = append(unary, sm.UnaryServerInterceptor())
		stream = append(stream, sm.StreamServerInterceptor())
	}
	unary = append(unary, middleware.UnaryLoggingInterceptor(cfg.Logger))

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if cfg.StatsHandler != nil {
		opts = append(opts, grpc.StatsHandler(cfg.StatsHandler))
	}

	srv := grpc.NewServer(opts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(StorageHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.Reflection {
		reflection.Register(srv)
	}
	if cfg.Metrics != nil {
		cfg.Metrics.GetServerMetrics().InitializeMetrics(srv)
	}

	return srv, hs
}
