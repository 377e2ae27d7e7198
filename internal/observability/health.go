package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"RiskGate/internal/clock"
)

// HealthChecker backs /healthz and /readyz. The service is ready when it has
// been marked serving and every named check last reported no error.
type HealthChecker struct {
	serving   atomic.Bool
	clock     clock.Clock
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]checkResult
}

type checkResult struct {
	err error
	at  time.Time
}

// CheckStatus is one named check as reported by /readyz.
type CheckStatus struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func NewHealthChecker(clk clock.Clock) *HealthChecker {
	return &HealthChecker{
		clock:     clk,
		startTime: clk.Now(),
		checks:    make(map[string]checkResult),
	}
}

// SetReady marks whether the listeners accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.serving.Store(ready)
}

// SetCheck records the latest result of a named dependency check such as
// "store" or "audit_chain". A nil err marks it healthy.
func (h *HealthChecker) SetCheck(name string, err error) {
	h.mu.Lock()
	h.checks[name] = checkResult{err: err, at: h.clock.Now()}
	h.mu.Unlock()
}

func (h *HealthChecker) IsReady() bool {
	if !h.serving.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.checks {
		if c.err != nil {
			return false
		}
	}
	return true
}

// Checks returns every named check, keyed by name.
func (h *HealthChecker) Checks() map[string]CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]CheckStatus, len(h.checks))
	for name, c := range h.checks {
		st := CheckStatus{OK: c.err == nil, CheckedAt: c.at}
		if c.err != nil {
			st.Error = c.err.Error()
		}
		out[name] = st
	}
	return out
}

// Failing lists the names of failing checks in sorted order.
func (h *HealthChecker) Failing() []string {
	var names []string
	for name, st := range h.Checks() {
		if !st.OK {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": h.clock.Now().Sub(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once the daemon is serving and its checks
// pass, 503 otherwise. The body lists every check.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"checks": h.Checks()}
	if h.IsReady() {
		body["status"] = "ready"
		writeHealth(w, http.StatusOK, body)
		return
	}
	body["status"] = "not_ready"
	if failing := h.Failing(); len(failing) > 0 {
		body["failing"] = failing
	}
	writeHealth(w, http.StatusServiceUnavailable, body)
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
