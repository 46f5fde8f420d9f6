package api

import (
	"context"
	"fmt"

	"github.com/matheus3301/campus/internal/restapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket. The connection is lazy;
// errors surface on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Realtime reports whether the daemon's live connection is up.
func (c *Client) Realtime(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: RealtimeService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// WatchRealtime streams every serving-status change of the live connection.
func (c *Client) WatchRealtime(ctx context.Context) (healthpb.Health_WatchClient, error) {
	return c.Health.Watch(ctx, &healthpb.HealthCheckRequest{Service: RealtimeService})
}

func (c *Client) command(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+CommandServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

// Join asks the daemon to subscribe to a community.
func (c *Client) Join(ctx context.Context, communityID string) (*MembershipResponse, error) {
	out := new(MembershipResponse)
	return out, c.command(ctx, "Join", &MembershipRequest{CommunityID: communityID}, out)
}

// Leave asks the daemon to leave a community and drop its local data.
func (c *Client) Leave(ctx context.Context, communityID string) (*MembershipResponse, error) {
	out := new(MembershipResponse)
	return out, c.command(ctx, "Leave", &MembershipRequest{CommunityID: communityID}, out)
}

// Send queues a message in the daemon's outbox.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	out := new(SendResponse)
	return out, c.command(ctx, "Send", req, out)
}

func (c *Client) Courses(ctx context.Context) ([]restapi.Course, error) {
	out := new(CoursesResponse)
	err := c.command(ctx, "ListCourses", &ListRequest{}, out)
	return out.Courses, err
}

func (c *Client) Categories(ctx context.Context) ([]restapi.Category, error) {
	out := new(CategoriesResponse)
	err := c.command(ctx, "ListCategories", &ListRequest{}, out)
	return out.Categories, err
}

// Refresh makes the daemon refetch a reference list.
func (c *Client) Refresh(ctx context.Context, list string) (*RefreshResponse, error) {
	out := new(RefreshResponse)
	return out, c.command(ctx, "Refresh", &RefreshRequest{List: list}, out)
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
