package connection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/3vilhamster/partition-placement/pkg/api"
	"github.com/3vilhamster/partition-placement/pkg/client/config"
)

const minConnectTimeout = 20 * time.Second

// Dial creates a connection to the placement server. Extra options are
// applied after the defaults, so tests can swap the dialer.
func Dial(cfg config.ClientConfig, logger *zap.Logger, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           reconnectBackoff(cfg),
			MinConnectTimeout: minConnectTimeout,
		}),
	}
	opts = append(opts, extra...)

	logger.Info("Connecting to placement server", zap.String("server", cfg.ServerAddr))

	conn, err := grpc.NewClient(cfg.ServerAddr, opts...)
	if err != nil {
		logger.Error("Failed to connect to server",
			zap.String("server", cfg.ServerAddr),
			zap.Error(err))
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return conn, nil
}

// WaitReady blocks until conn is ready or ctx ends
func WaitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("connection is shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection not ready in state %s: %w", state, ctx.Err())
		}
	}
}

// CheckHealth asks the server health service about the placement service
func CheckHealth(ctx context.Context, conn *grpc.ClientConn) (bool, error) {
	resp, err := healthgrpc.NewHealthClient(conn).Check(ctx, &healthgrpc.HealthCheckRequest{
		Service: api.ServiceName,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check health: %w", err)
	}
	return resp.GetStatus() == healthgrpc.HealthCheckResponse_SERVING, nil
}

func reconnectBackoff(cfg config.ClientConfig) backoff.Config {
	bc := backoff.DefaultConfig
	if cfg.ReconnectBackoff > 0 {
		bc.BaseDelay = cfg.ReconnectBackoff
	}
	if cfg.MaxReconnectBackoff > 0 {
		bc.MaxDelay = cfg.MaxReconnectBackoff
	}
	if cfg.ReconnectJitter > 0 {
		bc.Jitter = cfg.ReconnectJitter
	}
	bc.Multiplier = 1.5
	return bc
}
