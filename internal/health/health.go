// Package health serves the standard gRPC health service on the liveness
// port. Each backing dependency is exposed as its own service name.
package health

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logrus.FieldLogger
}

func NewServer(log logrus.FieldLogger) *Server {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return &Server{grpc: gs, health: hs, log: log}
}

// SetServing marks service as serving or not. The empty name is the
// overall server status.
func (s *Server) SetServing(service string, ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Watch runs check every interval and publishes the result under service
// until ctx is done.
func (s *Server) Watch(ctx context.Context, service string, interval time.Duration, check Check) {
	probe := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := check(cctx)
		if err != nil {
			s.log.WithError(err).WithField("service", service).Warn("health check failed")
		}
		s.SetServing(service, err == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop flips every service to NOT_SERVING before draining connections.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
