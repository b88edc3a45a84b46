package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/bookbot/internal/store"
	"github.com/nextlevelbuilder/bookbot/internal/upgrade"
)

// Check is the status of one health probe.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string           `json:"status"` // "healthy" or "degraded"
	Version    string           `json:"version"`
	Checks     map[string]Check `json:"checks"`
	Migrations *MigrationStatus `json:"migrations,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// MigrationStatus reports schema drift.
type MigrationStatus struct {
	Current      uint     `json:"current"`
	Required     uint     `json:"required"`
	Pending      int      `json:"pending"`
	Dirty        bool     `json:"dirty,omitempty"`
	PendingHooks []string `json:"pending_hooks,omitempty"`
}

// SchemaFunc reports the schema status; nil in standalone mode.
type SchemaFunc func(ctx context.Context) (*upgrade.SchemaStatus, []string, error)

// HealthHandler probes every storage backend and the schema version.
type HealthHandler struct {
	probes  map[string]store.Pinger
	schema  SchemaFunc
	version string
}

func NewHealthHandler(probes map[string]store.Pinger, schema SchemaFunc, version string) *HealthHandler {
	return &HealthHandler{probes: probes, schema: schema, version: version}
}

func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.ServeHTTP)
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Checks:    make(map[string]Check, len(h.probes)+1),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	healthy := true

	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		start := time.Now()
		if err := h.probes[name].Ping(ctx); err != nil {
			resp.Checks[name] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
			continue
		}
		resp.Checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	if h.schema != nil {
		st, hooks, err := h.schema(ctx)
		switch {
		case err != nil:
			resp.Checks["migrations"] = Check{Status: "fail", Message: "schema check failed"}
			healthy = false
		default:
			resp.Migrations = &MigrationStatus{
				Current:      st.CurrentVersion,
				Required:     st.RequiredVersion,
				Pending:      st.Pending(),
				Dirty:        st.Dirty,
				PendingHooks: hooks,
			}
			switch {
			case !st.Compatible:
				resp.Checks["migrations"] = Check{Status: "fail", Message: st.Err().Error()}
				healthy = false
			case len(hooks) > 0:
				resp.Checks["migrations"] = Check{Status: "fail", Message: "data hooks pending"}
				healthy = false
			default:
				resp.Checks["migrations"] = Check{Status: "pass"}
			}
		}
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
