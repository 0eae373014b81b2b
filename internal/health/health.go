// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every [Checker] concurrently and answers 503 when any of them fails
// or the instance is draining for shutdown. A callpilot instance is not
// ready while its call log database is unreachable, every transcription
// engine has an open circuit, or it already carries its maximum number of
// calls.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrAtCapacity is reported by a [Capacity] checker at its limit.
	ErrAtCapacity = errors.New("at capacity")

	// ErrDraining fails readiness once [Handler.SetDraining] was called.
	ErrDraining = errors.New("draining")
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil when healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is anything with a connectivity check, such as a database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Capacity returns a checker that fails once used() reaches limit. A limit
// of zero or less never fails.
func Capacity(name string, limit int, used func() int) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if n := used(); limit > 0 && n >= limit {
			return fmt.Errorf("%w: %d/%d", ErrAtCapacity, n, limit)
		}
		return nil
	}}
}

type checkResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves both probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a Handler running checkers on each readiness request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultCheckTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining makes readiness fail from now on, so load balancers stop
// routing new calls while sessions wind down.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.evaluate(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (h *Handler) evaluate(ctx context.Context) report {
	rep := report{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers)+1)}
	if h.draining.Load() {
		rep.Status = "fail"
		rep.Checks["shutdown"] = checkResult{Status: "fail", Error: ErrDraining.Error()}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			begin := time.Now()
			err := c.Check(cctx)
			res := checkResult{Status: "ok", DurationMS: time.Since(begin).Milliseconds()}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Status, res.Error = "fail", err.Error()
				rep.Status = "fail"
			}
			rep.Checks[c.Name] = res
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
