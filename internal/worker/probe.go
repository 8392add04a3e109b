package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ProbeConfig struct {
	Target   Pinger
	Health   *health.Server
	Service  string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// StorageProbe periodically pings the object store and mirrors the result
// into the gRPC health server.
type StorageProbe struct {
	config  *ProbeConfig
	done    chan struct{}
	exited  chan struct{}
	healthy bool
	checked bool
}

func NewStorageProbe(config *ProbeConfig) *StorageProbe {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &StorageProbe{
		config: config,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Start checks once synchronously, then keeps checking in the background.
func (p *StorageProbe) Start(ctx context.Context) {
	p.Check(ctx)
	go p.run(ctx)
}

func (p *StorageProbe) Stop() {
	close(p.done)
	<-p.exited
}

func (p *StorageProbe) run(ctx context.Context) {
	defer close(p.exited)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check pings once and updates the health status. Only transitions are logged.
// Not safe for concurrent use; the background loop is the only caller after Start.
func (p *StorageProbe) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.config.Target.Ping(ctx)
	healthy := err == nil

	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if p.config.Health != nil {
		p.config.Health.SetServingStatus(p.config.Service, status)
	}

	if !p.checked || healthy != p.healthy {
		if healthy {
			p.config.Logger.Info("object store reachable", zap.String("service", p.config.Service))
		} else {
			p.config.Logger.Warn("object store unreachable", zap.String("service", p.config.Service), zap.Error(err))
		}
	}
	p.checked = true
	p.healthy = healthy
	return status
}
