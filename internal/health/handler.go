package health

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/companion-backend/internal/asr"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type TaskStats struct {
	Active  int `json:"active"`
	Workers int `json:"workers"`
}

type SessionStats struct {
	Connected       int `json:"connected"`
	DeliverySession int `json:"delivery_sessions"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Tasks       TaskStats    `json:"tasks"`
	Sessions    SessionStats `json:"sessions"`
	Recognition asr.Status   `json:"recognition"`
	Requests    RequestStats `json:"requests"`
	Runtime     RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type RecognitionReporter interface {
	Status() asr.Status
}

type TaskCounter interface {
	ActiveCount() int
	Workers() int
}

type SessionCounter interface {
	ActiveSessions() int
}

type ConnectionCounter interface {
	Count() int
}

type Dependencies struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Synthesis   Pinger
	Recognition RecognitionReporter
	Tasks       TaskCounter
	Delivery    SessionCounter
	Connections ConnectionCounter
	Version     string
}

type Handler struct {
	deps      Dependencies
	startTime time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		deps:      deps,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

// @Summary  Liveness probe
// @Tags     health
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// @Summary  Readiness probe with component checks
// @Tags     health
// @Produce  json
// @Success  200  {object}  HealthResponse
// @Failure  503  {object}  HealthResponse
// @Router   /health/ready [get]
func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	components := h.Check(ctx)
	overallStatus := computeOverallStatus(components)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.deps.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats:         h.stats(),
		Components:    components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, resp)
}

// Check runs every component check concurrently.
func (h *Handler) Check(ctx context.Context) map[string]ComponentStatus {
	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []struct {
		name  string
		check func(context.Context) ComponentStatus
	}{
		{"database", h.checkDatabase},
		{"redis", h.checkRedis},
		{"tts", h.checkTTS},
		{"asr", h.checkASR},
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()
	return components
}

// Report summarises Check as one status string per component.
func (h *Handler) Report(ctx context.Context) map[string]string {
	components := h.Check(ctx)
	out := make(map[string]string, len(components)+1)
	for name, c := range components {
		out[name] = string(c.Status)
	}
	out["overall"] = string(computeOverallStatus(components))
	return out
}

func (h *Handler) stats() Stats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := Stats{
		Requests: RequestStats{
			TotalRequests:     atomic.LoadUint64(&h.totalRequests),
			ActiveConnections: atomic.LoadInt64(&h.activeConnections),
		},
		Runtime: RuntimeStats{
			Goroutines:         runtime.NumGoroutine(),
			MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
			MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
			MemorySysMB:        memStats.Sys / 1024 / 1024,
			NumGC:              memStats.NumGC,
		},
	}
	if h.deps.Tasks != nil {
		s.Tasks = TaskStats{Active: h.deps.Tasks.ActiveCount(), Workers: h.deps.Tasks.Workers()}
	}
	if h.deps.Delivery != nil {
		s.Sessions.DeliverySession = h.deps.Delivery.ActiveSessions()
	}
	if h.deps.Connections != nil {
		s.Sessions.Connected = h.deps.Connections.Count()
	}
	if h.deps.Recognition != nil {
		s.Recognition = h.deps.Recognition.Status()
	}
	return s
}

func (h *Handler) checkDatabase(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.deps.DB == nil {
		return unhealthy(start, "database not configured")
	}

	sqlDB, err := h.deps.DB.DB()
	if err != nil {
		return unhealthy(start, "failed to get underlying db")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unhealthy(start, "ping failed")
	}

	return ComponentStatus{
		Status:    evaluateDBStats(sqlDB.Stats()),
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func evaluateDBStats(stats sql.DBStats) Status {
	if stats.OpenConnections >= stats.MaxOpenConnections && stats.MaxOpenConnections > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.deps.Redis == nil {
		return unhealthy(start, "redis not configured")
	}
	if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
		return unhealthy(start, "ping failed")
	}
	return healthy(start)
}

func (h *Handler) checkTTS(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.deps.Synthesis == nil {
		return unhealthy(start, "tts client not configured")
	}
	if err := h.deps.Synthesis.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}
	return healthy(start)
}

// checkASR reads gateway state only. The gateway connects lazily, so an
// idle gateway is healthy.
func (h *Handler) checkASR(_ context.Context) ComponentStatus {
	start := time.Now()
	if h.deps.Recognition == nil {
		return unhealthy(start, "asr not configured")
	}
	st := h.deps.Recognition.Status()
	switch {
	case st.Disabled:
		return unhealthy(start, "disabled after repeated reconnect failures")
	case st.Reconnecting:
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "reconnecting",
		}
	default:
		return healthy(start)
	}
}

func healthy(start time.Time) ComponentStatus {
	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func unhealthy(start time.Time, msg string) ComponentStatus {
	return ComponentStatus{
		Status:    StatusUnhealthy,
		LatencyMs: time.Since(start).Milliseconds(),
		Error:     msg,
	}
}

func computeOverallStatus(components map[string]ComponentStatus) Status {
	criticalComponents := []string{"database", "redis"}

	for _, name := range criticalComponents {
		if status, ok := components[name]; ok && status.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, status := range components {
		if status.Status == StatusUnhealthy {
			hasUnhealthy = true
		}
		if status.Status == StatusDegraded {
			hasDegraded = true
		}
	}

	if hasUnhealthy || hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
