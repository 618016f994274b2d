package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestCheck(t *testing.T) {
	h := NewChecker()
	ctx := context.Background()

	_, err := h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "pump-controller"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	h.SetServing("pump-controller", true)
	resp, err := h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "pump-controller"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	h.SetServing("pump-controller", false)
	resp, err = h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "pump-controller"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestTrack(t *testing.T) {
	h := NewChecker()
	var healthy atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Track(ctx, "redis", 10*time.Millisecond, func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})

	serving := func() bool {
		resp, err := h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "redis"})
		return err == nil && resp.Status == grpc_health_v1.HealthCheckResponse_SERVING
	}
	assert.Eventually(t, func() bool {
		_, err := h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "redis"})
		return err == nil && !serving()
	}, time.Second, 5*time.Millisecond)

	healthy.Store(true)
	assert.Eventually(t, serving, time.Second, 5*time.Millisecond)
}

func TestWatchOverGRPC(t *testing.T) {
	h := NewChecker()
	h.SetServing("", false)

	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := grpc_health_v1.NewHealthClient(conn)
	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, first.Status)

	h.SetServing("", true)
	next, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, next.Status)

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestShutdownHoldsNotServing(t *testing.T) {
	h := NewChecker()
	h.SetServing("", true)
	h.SetServing("redis", true)

	h.Shutdown()
	h.SetServing("redis", true)

	for _, svc := range []string{"", "redis"} {
		resp, err := h.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status, svc)
	}
}
