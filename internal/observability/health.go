package observability

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

// HealthChecker manages liveness and readiness state.
// Readiness requires the ready flag and every registered dependency to be up.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu   sync.RWMutex
	deps map[string]bool
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		deps:      make(map[string]bool),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetDependency records the state of a named dependency (postgres, nats, redis).
func (h *HealthChecker) SetDependency(name string, up bool) {
	h.mu.Lock()
	h.deps[name] = up
	h.mu.Unlock()
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, up := range h.deps {
		if !up {
			return false
		}
	}
	return true
}

func (h *HealthChecker) down() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, up := range h.deps {
		if !up {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	sonic.ConfigStd.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once replay has finished and dependencies are up,
// 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		sonic.ConfigStd.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	sonic.ConfigStd.NewEncoder(w).Encode(map[string]interface{}{
		"status": "not_ready",
		"down":   h.down(),
	})
}
