package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcHealth "google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/3vilhamster/partition-placement/pkg/api"
	"github.com/3vilhamster/partition-placement/pkg/server/config"
	"github.com/3vilhamster/partition-placement/pkg/server/health"
	"github.com/3vilhamster/partition-placement/pkg/server/leader"
	"github.com/3vilhamster/partition-placement/pkg/server/reconcile"
	"github.com/3vilhamster/partition-placement/pkg/server/tables"
)

// Service runs the placement gRPC server and the catalog reloader
type Service struct {
	mu         sync.RWMutex
	config     config.Config
	logger     *zap.Logger
	grpcServer *grpc.Server
	health     *grpcHealth.Server
	reloader   *reconcile.Reloader
	checker    *health.Checker
	election   *leader.Election

	isRunning bool
	listener  net.Listener
	serveDone chan struct{}
}

// ServiceParams defines the dependencies for creating a new service
type ServiceParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Logger    *zap.Logger
	Directory *tables.Directory
	Reloader  *reconcile.Reloader `optional:"true"`
	Checker   *health.Checker     `optional:"true"`
	Election  *leader.Election    `optional:"true"`
}

// NewService creates the placement service and hooks it into the lifecycle
func NewService(params ServiceParams) *Service {
	svc := &Service{
		config:     params.Config,
		logger:     params.Logger,
		grpcServer: grpc.NewServer(),
		health:     grpcHealth.NewServer(),
		reloader:   params.Reloader,
		checker:    params.Checker,
		election:   params.Election,
	}

	var leadership Leadership
	if params.Election != nil {
		leadership = params.Election
		params.Election.SetCallback(svc.onLeadershipChange)
	}

	if params.Checker != nil {
		params.Checker.SetCallback(svc.onCatalogHealthChange)
	}

	healthgrpc.RegisterHealthServer(svc.grpcServer, svc.health)
	RegisterPlacementServer(svc.grpcServer, NewServer(params.Directory, params.Logger, leadership))

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			svc.Stop(ctx)
			return nil
		},
	})

	return svc
}

// Start starts listening and, when configured, the reloader
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("service already running")
	}

	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.serveDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.logger.Info("Server listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Failed to serve", zap.Error(err))
		}
	}(s.serveDone)

	// fx skips OnStop when OnStart fails, undo what already started
	abort := func(err error) error {
		if s.checker != nil {
			s.checker.Stop()
		}
		if s.reloader != nil {
			s.reloader.Stop()
		}
		s.grpcServer.Stop()
		<-s.serveDone
		return err
	}

	if s.reloader != nil {
		// the loop outlives the start hook context
		if err := s.reloader.Start(context.Background()); err != nil {
			return abort(fmt.Errorf("failed to start reloader: %w", err))
		}
	}

	s.health.SetServingStatus(api.ServiceName, healthgrpc.HealthCheckResponse_SERVING)

	// the first check runs now and may flip the status to NOT_SERVING
	if s.checker != nil {
		if err := s.checker.Start(ctx); err != nil {
			return abort(fmt.Errorf("failed to start catalog health checker: %w", err))
		}
	}

	if s.election != nil {
		if err := s.election.Start(ctx); err != nil {
			return abort(fmt.Errorf("failed to start leader election: %w", err))
		}
	}

	s.isRunning = true

	s.logger.Info("Placement service started",
		zap.String("listen_addr", lis.Addr().String()),
		zap.String("catalog", s.config.Catalog.Backend))

	return nil
}

// Stop drains in-flight calls until ctx or the configured shutdown timeout ends
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.health.Shutdown()
	if s.election != nil {
		s.election.Stop()
	}
	if s.checker != nil {
		s.checker.Stop()
	}
	if s.reloader != nil {
		s.reloader.Stop()
	}

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timed out, closing connections")
		s.grpcServer.Stop()
	}
	<-s.serveDone

	s.isRunning = false
	s.logger.Info("Service stopped")
}

// onLeadershipChange refreshes the tables when this server takes over, the
// previous leader may have changed them
func (s *Service) onLeadershipChange(isLeader bool) {
	s.logger.Info("Leadership status changed", zap.Bool("is_leader", isLeader))

	if isLeader && s.reloader != nil {
		if err := s.reloader.ReloadAll(context.Background()); err != nil {
			s.logger.Warn("Failed to refresh tables after taking leadership", zap.Error(err))
		}
	}
}

// onCatalogHealthChange mirrors catalog reachability into the gRPC health service
func (s *Service) onCatalogHealthChange(healthy bool) {
	servingStatus := healthgrpc.HealthCheckResponse_SERVING
	if !healthy {
		servingStatus = healthgrpc.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(api.ServiceName, servingStatus)
}

// IsLeader reports whether this server accepts table changes
func (s *Service) IsLeader() bool {
	return s.election == nil || s.election.IsLeader()
}

// Addr returns the bound listen address, nil before Start
func (s *Service) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning returns whether the service is serving
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
