// Package api exposes daemon state over gRPC.
package api

import (
	"context"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RealtimeService is the health service name that tracks the live connection.
const RealtimeService = "campus.realtime"

// HealthService mirrors the connection state machine into a gRPC health
// server. The daemon itself ("") is SERVING while it runs; RealtimeService
// is SERVING only while connected.
type HealthService struct {
	server  *health.Server
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthService creates a health service reporting NOT_SERVING until
// Start is called.
func NewHealthService(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := health.NewServer()
	srv.SetServingStatus(RealtimeService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthService{server: srv, machine: machine, bus: b, logger: logger}
}

// Server returns the gRPC health implementation to register.
func (h *HealthService) Server() healthpb.HealthServer { return h.server }

// Start follows conn.state_changed until Stop.
func (h *HealthService) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	ch, unsub := h.bus.Subscribe(bus.KindStateChanged, 16)

	h.set(h.machine.Current())
	go func() {
		defer close(h.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					h.set(change.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop marks every service NOT_SERVING and ends watch streams.
func (h *HealthService) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.server.Shutdown()
}

func (h *HealthService) set(s status.State) {
	st := servingStatus(s)
	h.logger.Debug("health status", zap.String("state", string(s)), zap.String("serving", st.String()))
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(RealtimeService, st)
}

func servingStatus(s status.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == status.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
