// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jensholdgaard/streamstore/internal/clock"
)

// Status is the body of a probe response.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker is a named readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by anything that can report whether its backend
// is reachable, such as a store.Provider.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a Checker that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Handler serves /healthz and /readyz.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
	timeout  time.Duration
}

// NewHandler returns a Handler that is not ready until SetReady(true).
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk, timeout: 5 * time.Second}
}

// SetReady marks the process as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /healthz", h.LivenessHandler())
	mux.Handle("GET /readyz", h.ReadinessHandler())
}

// LivenessHandler always reports ok while the process serves requests.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{Status: "ok", Timestamp: h.now()})
	}
}

// ReadinessHandler reports ready only if SetReady(true) was called and
// every checker passes.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Timestamp: h.now()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		checks := make(map[string]string, len(h.checkers))
		code := http.StatusOK
		status := "ready"
		for _, c := range h.checkers {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				code = http.StatusServiceUnavailable
				status = "not_ready"
				continue
			}
			checks[c.Name] = "ok"
		}

		writeJSON(w, code, Status{Status: status, Checks: checks, Timestamp: h.now()})
	}
}

func (h *Handler) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
