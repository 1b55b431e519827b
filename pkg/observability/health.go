package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const readinessTimeout = 5 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker serves liveness and readiness. Readiness fails only when a
// critical check fails; other failures report the relay as degraded.
type HealthChecker struct {
	version string

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker registers a critical Redis ping when redisClient is set
func NewHealthChecker(redisClient redis.UniversalClient, version string) *HealthChecker {
	h := &HealthChecker{version: version}
	if redisClient != nil {
		h.AddCheck("redis", true, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	return h
}

// AddCheck registers a named readiness probe
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// HealthStatus is the readiness report
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the result of one check
type DependencyStatus struct {
	Status    string  `json:"status"`
	Critical  bool    `json:"critical"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Liveness always returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness returns 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check runs every registered probe
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}

	for _, c := range checks {
		start := time.Now()
		err := c.fn(ctx)
		dep := DependencyStatus{
			Status:    StatusHealthy,
			Critical:  c.critical,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
			switch {
			case c.critical:
				status.Status = StatusUnhealthy
			case status.Status == StatusHealthy:
				status.Status = StatusDegraded
			}
		}
		status.Dependencies[c.name] = dep
	}
	return status
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
