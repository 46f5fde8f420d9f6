package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestClientOverUnixSocket(t *testing.T) {
	// Use a short path to avoid the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "campus-api-*")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()
	socket := filepath.Join(dir, "d.sock")

	b := bus.New()
	m := status.NewMachine(b, true)
	h := NewHealthService(m, b, nil)
	h.Start(context.Background())

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.Server())
	lis, err := net.Listen("unix", socket)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()
	defer h.Stop()

	c, err := Dial(socket)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st, err := c.Realtime(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	stream, err := c.WatchRealtime(ctx)
	require.NoError(t, err)
	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, first.GetStatus())

	_, err = m.Fire(status.EventConnect)
	require.NoError(t, err)
	_, err = m.Fire(status.EventOpen)
	require.NoError(t, err)

	next, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, next.GetStatus())
}
