// Package health serves the liveness and readiness probes of voxrelay.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// answers 200 only while every [Checker] passes, otherwise 503. Both reply
// with {"status": "ok"|"fail", "checks": {name: "ok"|"fail: reason"}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness condition.
type Checker struct {
	// Name keys the check in the response, e.g. "relay" or "agents".
	Name string

	// Check returns nil while the condition holds. It must honour ctx.
	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] that evaluates checkers concurrently on every
// readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker with its own [checkTimeout] deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status, code = "fail", http.StatusServiceUnavailable
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ── Built-in checkers ────────────────────────────────────────────────────────

// BreakerSet is a set of named circuit breakers, such as
// [resilience.S2SFallback].
type BreakerSet interface {
	Names() []string
	Breaker(name string) *resilience.CircuitBreaker
}

// ErrAllBreakersOpen is reported by [Breakers] when no backend can be tried.
var ErrAllBreakersOpen = errors.New("all agent backends have open circuit breakers")

// Breakers returns a checker that fails while every breaker in set is open.
// A half-open breaker counts as available since the next session may probe it.
func Breakers(name string, set BreakerSet) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			names := set.Names()
			var open []string
			for _, n := range names {
				if cb := set.Breaker(n); cb != nil && cb.State() == resilience.StateOpen {
					open = append(open, n)
				}
			}
			if len(names) > 0 && len(open) == len(names) {
				return fmt.Errorf("%w: %s", ErrAllBreakersOpen, strings.Join(open, ", "))
			}
			return nil
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
