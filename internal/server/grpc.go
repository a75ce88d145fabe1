package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/yanun0323/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// HealthServer exposes feed health as grpc.health.v1.Health. Each feed is
// a service named "exchange/SYMBOL"; the empty service name is SERVING
// while at least one feed is healthy.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	feeds      FeedSource
	interval   time.Duration
}

// NewHealthServer binds addr and registers the health service.
func NewHealthServer(addr string, feeds FeedSource, interval time.Duration) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return newHealthServer(lis, feeds, interval), nil
}

func newHealthServer(lis net.Listener, feeds FeedSource, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return &HealthServer{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		feeds:      feeds,
		interval:   interval,
	}
}

// Addr returns the bound address.
func (s *HealthServer) Addr() net.Addr { return s.listener.Addr() }

// Run polls feed health and serves until ctx is cancelled.
func (s *HealthServer) Run(ctx context.Context) error {
	go s.poll(ctx)
	stop := context.AfterFunc(ctx, s.GracefulStop)
	defer stop()

	logs.Infof("server: grpc health on %s", s.listener.Addr())
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop drains in-flight RPCs and marks every service NOT_SERVING.
func (s *HealthServer) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func (s *HealthServer) poll(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// refresh copies the current feed health into the health service.
func (s *HealthServer) refresh() {
	serving := false
	for _, f := range s.feeds.Feeds() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if f.Healthy {
			st = healthpb.HealthCheckResponse_SERVING
			serving = true
		}
		s.health.SetServingStatus(ServiceName(f.Exchange, f.Symbol), st)
	}
	if serving {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// ServiceName is the health service name of a feed.
func ServiceName(ex adapter.Exchange, symbol string) string {
	return string(ex) + "/" + symbol
}
