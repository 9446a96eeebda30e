// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
)

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker is a named dependency check. A failing Optional check reports the
// service as degraded without failing readiness.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	ready    atomic.Bool
	checkers []Checker
	timeout  time.Duration
	clock    clock.Clock
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, timeout: 5 * time.Second, clock: clk}
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{Status: "ok", Timestamp: h.now()})
	}
}

// ReadinessHandler runs every checker concurrently and returns HTTP 200 when
// the service is ready and no required check failed.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Timestamp: h.now()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		var (
			mu       sync.Mutex
			wg       sync.WaitGroup
			checks   = make(map[string]string, len(h.checkers))
			failed   bool
			degraded bool
		)
		for _, c := range h.checkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := c.Check(ctx)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					checks[c.Name] = "ok"
				case c.Optional:
					checks[c.Name] = err.Error()
					degraded = true
				default:
					checks[c.Name] = err.Error()
					failed = true
				}
			}()
		}
		wg.Wait()

		status, code := "ready", http.StatusOK
		switch {
		case failed:
			status, code = "not_ready", http.StatusServiceUnavailable
		case degraded:
			status = "degraded"
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
