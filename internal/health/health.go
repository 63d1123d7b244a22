// Package health exposes plant connectivity on the standard gRPC health
// service.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"futures-core/internal/connection"
)

// Service is the overall service name; it serves only while every plant is
// connected.
const Service = "futures.core"

// ServiceName is the health service name of one plant.
func ServiceName(plant connection.PlantName) string {
	return Service + "." + string(plant)
}

// Reporter mirrors plant states into a gRPC health server.
type Reporter struct {
	mu     sync.Mutex
	server *grpchealth.Server
	states map[connection.PlantName]connection.State
}

// NewReporter registers every plant as not serving until it connects.
func NewReporter(plants []connection.PlantName) *Reporter {
	r := &Reporter{
		server: grpchealth.NewServer(),
		states: make(map[connection.PlantName]connection.State, len(plants)),
	}
	for _, p := range plants {
		r.states[p] = connection.Disconnected
		r.server.SetServingStatus(ServiceName(p), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	r.server.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Update records a plant transition. It fits the orchestrator's change hook.
func (r *Reporter) Update(st connection.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[st.Plant] = st.State
	r.server.SetServingStatus(ServiceName(st.Plant), servingStatus(st.State == connection.Connected))

	all := len(r.states) > 0
	for _, s := range r.states {
		if s != connection.Connected {
			all = false
			break
		}
	}
	r.server.SetServingStatus(Service, servingStatus(all))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Check answers a health query in process.
func (r *Reporter) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := r.server.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until ctx ends.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, r.server)

	go func() {
		<-ctx.Done()
		r.server.Shutdown()
		srv.GracefulStop()
	}()

	log.Printf("✓ gRPC health service listening on %s", addr)
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("health serve: %w", err)
	}
	return nil
}
