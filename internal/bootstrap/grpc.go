package bootstrap

import (
	"context"
	"log/slog"
	"net"

	"github.com/eleven-am/companion-backend/internal/health"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func NewGRPCServer() *grpc.Server {
	return grpc.NewServer()
}

func NewHealthServer() *grpchealth.Server {
	return grpchealth.NewServer()
}

func RegisterHealthService(server *grpc.Server, healthServer *grpchealth.Server) {
	healthpb.RegisterHealthServer(server, healthServer)
}

func StartGRPCServer(lc fx.Lifecycle, server *grpc.Server, cfg *Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			go func() {
				logger.Info("gRPC server starting", "addr", cfg.GRPCAddr)
				if err := server.Serve(lis); err != nil {
					logger.Error("gRPC server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.GracefulStop()
			return nil
		},
	})
}

// StartHealthPublisher keeps the gRPC health service in step with the
// readiness checks.
func StartHealthPublisher(lc fx.Lifecycle, h *health.Handler, healthServer *grpchealth.Server, cfg *Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go h.Watch(ctx, healthServer, cfg.HealthInterval, logger.With("component", "grpc_health"))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			healthServer.Shutdown()
			return nil
		},
	})
}

var GRPCModule = fx.Options(
	fx.Provide(NewGRPCServer, NewHealthServer),
	fx.Invoke(RegisterHealthService),
	fx.Invoke(StartGRPCServer),
	fx.Invoke(StartHealthPublisher),
)
