// Package health serves liveness and readiness probes backed by periodic
// dependency checks.
//
// Every check runs on its own ticker. A check turns unhealthy only after
// FailureThreshold consecutive failures and healthy again after
// SuccessThreshold consecutive successes, so one slow ping does not flap the
// probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// CheckFunc reports a problem with a dependency, or nil.
type CheckFunc func(ctx context.Context) error

// Probe selects which endpoint a check contributes to.
type Probe uint8

const (
	Liveness Probe = iota
	Readiness
)

// Check describes one registered check.
type Check struct {
	Name    string
	Timeout time.Duration
	Func    CheckFunc
	// FailureThreshold defaults to 3.
	FailureThreshold int
	// SuccessThreshold defaults to 1.
	SuccessThreshold int
}

// state is the runtime of one check. fails and oks are touched only by the
// check's own goroutine; healthy and lastErr are read by HTTP handlers.
type state struct {
	Check

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func newState(c Check) *state {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	s := &state{Check: c}
	s.healthy.Store(true)
	return s
}

func (s *state) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	err := s.Func(ctx)
	s.lastErr.Store(&err)
	if err != nil {
		s.oks = 0
		s.fails++
		if s.fails >= s.FailureThreshold {
			s.healthy.Store(false)
		}
		return
	}
	s.fails = 0
	s.oks++
	if s.oks >= s.SuccessThreshold {
		s.healthy.Store(true)
	}
}

// failure returns the reason the check is unhealthy, or "" when healthy.
func (s *state) failure() string {
	if s.healthy.Load() {
		return ""
	}
	if p := s.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "check is unhealthy"
}

// Health owns the registered checks and the manual readiness switch.
// A new Health is not ready until SetReady(true).
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks [2][]*state
	cancel context.CancelFunc
}

// New returns an empty, not-ready Health.
func New() *Health {
	return &Health{}
}

// Add registers c under probe. Register every check before Start.
func (h *Health) Add(probe Probe, c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[probe] = append(h.checks[probe], newState(c))
}

// AddLivenessCheck registers a liveness check with default thresholds.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Liveness, Check{Name: name, Timeout: timeout, Func: fn})
}

// AddReadinessCheck registers a readiness check with default thresholds.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Readiness, Check{Name: name, Timeout: timeout, Func: fn})
}

func (h *Health) snapshot(probe Probe) []*state {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*state(nil), h.checks[probe]...)
}

// Start runs every check immediately and then every interval until Stop or
// ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	for _, probe := range []Probe{Liveness, Readiness} {
		for _, s := range h.snapshot(probe) {
			go loop(ctx, s, interval)
		}
	}
}

func loop(ctx context.Context, s *state, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// Stop cancels the check goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch. Set it to false at the start
// of a graceful shutdown so load balancers drain the instance.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the switch is on and every readiness check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(Readiness))) == 0
}

func failures(states []*state) map[string]string {
	out := make(map[string]string)
	for _, s := range states {
		if msg := s.failure(); msg != "" {
			out[s.Name] = msg
		}
	}
	return out
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint answers 200 {"status":"ok"} while every liveness check
// passes, and 503 listing the failing checks otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	respond(w, failures(h.snapshot(Liveness)))
}

// ReadyEndpoint is LiveEndpoint for readiness checks. It also fails while
// the manual switch is off.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(Readiness))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	respond(w, failed)
}

// Register mounts /livez and /readyz on r.
func (h *Health) Register(r chi.Router) {
	r.Get("/livez", h.LiveEndpoint)
	r.Get("/readyz", h.ReadyEndpoint)
}

func respond(w http.ResponseWriter, failed map[string]string) {
	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failed) > 0 {
		resp = statusResponse{Status: "unhealthy", Checks: failed}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
