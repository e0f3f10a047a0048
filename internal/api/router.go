package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/dispatch"
	"github.com/triage-ai/toolgate/internal/limiter"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/safety"
	"go.uber.org/zap"
)

// Executor runs execute requests.
type Executor interface {
	Execute(ctx context.Context, req *dispatch.Request) *dispatch.Response
}

// SafetyAdmin reads and toggles the safety flags.
type SafetyAdmin interface {
	Snapshot() safety.State
	SetDemoMode(enabled bool) safety.State
	SetKillSwitch(enabled bool) safety.State
	SetReadOnly(enabled bool) safety.State
}

// BucketLister exposes rate-limit bucket states.
type BucketLister interface {
	Buckets(ctx context.Context) []limiter.BucketState
}

// AuditReader looks up execution records.
type AuditReader interface {
	Query(ctx context.Context, correlationID string) (*audit.ExecutionRecord, error)
	Stats() audit.Stats
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Dispatcher Executor
	Safety     SafetyAdmin
	Limiter    BucketLister
	Audit      AuditReader
	Registry   registry.Registry
	Logger     *zap.Logger

	// AdminToken guards /admin. Admin routes are not mounted when empty.
	AdminToken string
	// AdminLimiter throttles admin calls per client IP. Optional.
	AdminLimiter *IPRateLimiter
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// Execute (caller credential checked by the dispatcher)
	mux.HandleFunc("POST /v1/execute", deps.handleExecute)

	if deps.AdminToken != "" {
		admin := http.NewServeMux()
		admin.HandleFunc("GET /admin/safety", deps.handleGetSafety)
		admin.HandleFunc("PUT /admin/safety/demo-mode", deps.handleToggle(deps.Safety.SetDemoMode, "demo_mode"))
		admin.HandleFunc("PUT /admin/safety/kill-switch", deps.handleToggle(deps.Safety.SetKillSwitch, "kill_switch"))
		admin.HandleFunc("PUT /admin/safety/read-only", deps.handleToggle(deps.Safety.SetReadOnly, "global_read_only"))
		admin.HandleFunc("GET /admin/limiter/buckets", deps.handleListBuckets)
		admin.HandleFunc("GET /admin/audit/status", deps.handleAuditStatus)
		admin.HandleFunc("GET /admin/audit/{correlation_id}", deps.handleGetRecord)
		admin.HandleFunc("GET /admin/tools", deps.handleListTools)

		var h http.Handler = deps.adminAuth(admin)
		if deps.AdminLimiter != nil {
			h = deps.AdminLimiter.Middleware(h)
		}
		mux.Handle("/admin/", h)
	}

	// Health check, never subject to the kill switch
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return requestLogging(mux, deps.Logger)
}
