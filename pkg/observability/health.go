package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus represents the aggregate health of the process.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Check is a named health probe. Critical checks flip the aggregate
// status to unhealthy on failure; non-critical ones only degrade it.
type Check struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs registered checks on demand.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []Check
	start  time.Time
}

// CheckStatus is the result of one probe.
type CheckStatus struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
}

// HealthResponse is the JSON body served on /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// SystemInfo carries basic process stats.
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
}

// NewHealthChecker creates an empty health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{start: time.Now()}
}

// RegisterCheck adds a probe.
func (h *HealthChecker) RegisterCheck(c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	h.checks = append(h.checks, c)
}

// Run executes all checks and returns the aggregate response.
func (h *HealthChecker) Run(ctx context.Context) HealthResponse {
	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.start).Round(time.Second).String(),
		Checks:    make(map[string]CheckStatus, len(checks)),
	}

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, c.Timeout)
		err := c.CheckFunc(cctx)
		cancel()

		status := CheckStatus{Status: HealthStatusHealthy, LastChecked: time.Now().UTC()}
		if err != nil {
			status.Message = err.Error()
			if c.Critical {
				status.Status = HealthStatusUnhealthy
				resp.Status = HealthStatusUnhealthy
			} else {
				status.Status = HealthStatusDegraded
				if resp.Status == HealthStatusHealthy {
					resp.Status = HealthStatusDegraded
				}
			}
		}
		resp.Checks[c.Name] = status
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp.System = SystemInfo{
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemAllocMB:    mem.Alloc / 1024 / 1024,
	}
	return resp
}

// Handler serves the full health report.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if resp.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// LivenessHandler always reports alive; it answers "is the process up".
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	}
}

// PingCheck is a trivial always-healthy check.
func PingCheck() Check {
	return Check{
		Name:      "ping",
		CheckFunc: func(context.Context) error { return nil },
		Timeout:   time.Second,
	}
}
