package monitoring

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker runs named dependency probes and aggregates their results
// for the health and readiness endpoints.
type HealthChecker struct {
	version   string
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthStatus is the aggregate report returned by CheckHealth.
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	UptimeSec  float64                    `json:"uptime_seconds"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

type ComponentHealth struct {
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

func NewHealthChecker(version string, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		timeout:   timeout,
		checks:    make(map[string]CheckFunc),
	}
}

func (h *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth runs every registered probe. The overall status is degraded as
// soon as any component fails.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		UptimeSec:  time.Since(h.startTime).Seconds(),
		Version:    h.version,
		Components: make(map[string]ComponentHealth, len(checks)),
	}

	for name, check := range checks {
		started := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := check(checkCtx)
		cancel()

		component := ComponentHealth{
			Status:     "healthy",
			DurationMS: float64(time.Since(started).Microseconds()) / 1000,
		}
		if err != nil {
			component.Status = "unhealthy"
			component.Error = err.Error()
			status.Status = "degraded"
		}
		status.Components[name] = component
	}
	return status
}

// Healthy reports whether every registered probe currently passes.
func (h *HealthChecker) Healthy(ctx context.Context) bool {
	return h.CheckHealth(ctx).Status == "healthy"
}
