package health

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall "" entry.
const ServiceName = "fielddiag.v1"

// NewGRPCServer returns a gRPC server exposing the standard health service
// and the health server whose status Watch keeps current.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *grpchealth.Server) {
	srv := grpc.NewServer(opts...)
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// Sync copies one checker report into the gRPC health server.
func Sync(ctx context.Context, c *Checker, hs *grpchealth.Server) Report {
	rep := c.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if !rep.OK() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
	return rep
}

// Watch re-runs the checker every interval until ctx ends, then marks the
// server as shutting down.
func Watch(ctx context.Context, c *Checker, hs *grpchealth.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	last := Sync(ctx, c, hs).Status
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			rep := Sync(ctx, c, hs)
			if rep.Status != last {
				log.Printf("health status_changed from=%s to=%s checks=%v", last, rep.Status, rep.Checks)
				last = rep.Status
			}
		}
	}
}
