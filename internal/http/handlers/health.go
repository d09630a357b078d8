// Package handlers provides HTTP API handlers for liveedge.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ComponentCheck reports the readiness of one component. A nil error means
// ready; the error text is reported otherwise.
type ComponentCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	checks    map[string]ComponentCheck
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]ComponentCheck),
	}
}

// WithCheck adds a named readiness check.
func (h *HealthHandler) WithCheck(name string, check ComponentCheck) *HealthHandler {
	h.checks[name] = check
	return h
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status" doc:"Always ok while the process serves requests"`
	}
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Status int
	Body   ReadyzResponse
}

// ReadyzResponse lists component states.
type ReadyzResponse struct {
	Status     string            `json:"status" enum:"ready,not_ready"`
	Components map[string]string `json:"components"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the detailed health report.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Components    map[string]string `json:"components"`
}

// CPUInfo holds host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds host and process memory figures.
type MemoryInfo struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
	ProcessRSS     uint64 `json:"process_rss_bytes"`
	ProcessRSSText string `json:"process_rss"`
	HeapAlloc      uint64 `json:"heap_alloc_bytes"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 503 until every registered component reports ready",
		Tags:        []string{"System"},
	}, h.GetReadyz)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetLivez reports that the process is alive.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz runs the readiness checks.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	components, ready := h.runChecks(ctx)
	out := &ReadyzOutput{
		Status: http.StatusOK,
		Body:   ReadyzResponse{Status: "ready", Components: components},
	}
	if !ready {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)
	components, ready := h.runChecks(ctx)

	status := "healthy"
	if !ready {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Goroutines:    runtime.NumGoroutine(),
			CPU:           h.getCPUInfo(ctx),
			Memory:        h.getMemoryInfo(ctx),
			Components:    components,
		},
	}, nil
}

func (h *HealthHandler) runChecks(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			components[name] = err.Error()
			ready = false
			continue
		}
		components[name] = "ok"
	}
	return components, ready
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns host and process memory usage. Figures the platform
// cannot provide are left zero.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.TotalBytes = vm.Total
		info.AvailableBytes = vm.Available
	}

	pid := int32(os.Getpid()) //nolint:gosec // pids fit in int32
	if proc, err := process.NewProcessWithContext(ctx, pid); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			info.ProcessRSS = mi.RSS
		}
	}
	info.ProcessRSSText = humanize.IBytes(info.ProcessRSS)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.HeapAlloc = ms.HeapAlloc

	return info
}
