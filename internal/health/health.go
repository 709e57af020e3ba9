package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the service can serve requests but Bitbucket is failing.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates the service should not receive traffic.
	ModeUnhealthy Mode = "unhealthy"
)

// Identity store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	// IdentityStoreBackend is BackendMemory or BackendRedis.
	IdentityStoreBackend string
	IdentityStoreHealthy bool
	UpstreamHealthy      bool
	Draining             bool
}

// Status represents evaluated application health.
type Status struct {
	Mode       Mode            `json:"mode"`
	Ready      bool            `json:"ready"`
	Backend    string          `json:"identity_store_backend"`
	Components map[string]bool `json:"components"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state.
// Upstream failures degrade the service but never make it unready.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	backend := input.IdentityStoreBackend
	if backend == "" {
		backend = BackendMemory
	}
	storeHealthy := input.IdentityStoreHealthy || backend == BackendMemory

	components := map[string]bool{
		"upstream":       input.UpstreamHealthy,
		"identity_store": storeHealthy,
		"accepting":      !input.Draining,
	}

	ready := storeHealthy && !input.Draining

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if !input.UpstreamHealthy {
		mode = ModeDegraded
	}

	return Status{
		Mode:       mode,
		Ready:      ready,
		Backend:    backend,
		Components: components,
	}
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
