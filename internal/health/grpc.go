package health

import (
	"context"
	"log/slog"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names published on the gRPC health endpoint. The empty name is
// the overall server status.
const (
	ServiceOverall     = ""
	ServiceRecognition = "asr"
	ServiceSynthesis   = "tts"
)

func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Publish runs the component checks once and mirrors them onto srv.
func (h *Handler) Publish(ctx context.Context, srv *grpchealth.Server) {
	components := h.Check(ctx)
	srv.SetServingStatus(ServiceOverall, servingStatus(computeOverallStatus(components)))
	if c, ok := components["asr"]; ok {
		srv.SetServingStatus(ServiceRecognition, servingStatus(c.Status))
	}
	if c, ok := components["tts"]; ok {
		srv.SetServingStatus(ServiceSynthesis, servingStatus(c.Status))
	}
}

// Watch republishes on every tick until ctx is done.
func (h *Handler) Watch(ctx context.Context, srv *grpchealth.Server, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		h.Publish(checkCtx, srv)
		cancel()

		select {
		case <-ctx.Done():
			logger.Debug("health publisher stopped")
			return
		case <-ticker.C:
		}
	}
}
