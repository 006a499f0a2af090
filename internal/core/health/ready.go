// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Probe reports a short status for one dependency and an error when it is
// not ready.
type Probe func(ctx context.Context) (status string, err error)

type Check struct {
	Name  string
	Probe Probe
}

// ReadinessReporter is satisfied by the kafka invalidation runner.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// FromReporter adapts a ReadinessReporter into a check.
func FromReporter(name string, rr ReadinessReporter) Check {
	return Check{Name: name, Probe: func(context.Context) (string, error) {
		ready, parts := rr.Readiness()
		if !ready {
			return "not_ready", fmt.Errorf("%s: no partitions assigned", name)
		}
		return fmt.Sprintf("ready partitions=%v", parts), nil
	}}
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks"`
}

// Readiness runs every check and answers 503 when any of them fails.
func Readiness(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		out := readiness{Status: "ready", Checks: make(map[string]checkResult, len(checks))}
		for _, c := range checks {
			st, err := c.Probe(ctx)
			res := checkResult{Status: st}
			if err != nil {
				out.Status = "not_ready"
				res.Error = err.Error()
				if res.Status == "" {
					res.Status = "error"
				}
			}
			out.Checks[c.Name] = res
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
