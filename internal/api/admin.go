package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/safety"
	"go.uber.org/zap"
)

// adminAuth requires "Authorization: Bearer <admin token>". The admin token
// is separate from caller credentials.
func (d *Dependencies) adminAuth(next http.Handler) http.Handler {
	want := []byte(d.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			d.Logger.Warn("admin auth failed", zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleGetSafety implements GET /admin/safety.
func (d *Dependencies) handleGetSafety(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Safety.Snapshot())
}

// handleToggle returns the handler for PUT /admin/safety/{flag}.
func (d *Dependencies) handleToggle(set func(bool) safety.State, flag string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ToggleReq
		if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
			return
		}
		if req.Enabled == nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "enabled is required"})
			return
		}
		state := set(*req.Enabled)
		d.Logger.Info("safety flag set by admin",
			zap.String("flag", flag),
			zap.Bool("enabled", *req.Enabled),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeJSON(w, http.StatusOK, state)
	}
}

// handleListBuckets implements GET /admin/limiter/buckets.
func (d *Dependencies) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	states := d.Limiter.Buckets(r.Context())
	resp := ListBucketsResp{Buckets: make([]BucketResp, 0, len(states))}
	for _, b := range states {
		resp.Buckets = append(resp.Buckets, bucketToResp(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetRecord implements GET /admin/audit/{correlation_id}.
func (d *Dependencies) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("correlation_id")
	rec, err := d.Audit.Query(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Record not found"})
			return
		}
		d.Logger.Error("audit query failed", zap.String("correlation_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to query audit record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAuditStatus implements GET /admin/audit/status.
func (d *Dependencies) handleAuditStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Audit.Stats())
}

// handleListTools implements GET /admin/tools.
func (d *Dependencies) handleListTools(w http.ResponseWriter, _ *http.Request) {
	descs := d.Registry.List()
	resp := ListToolsResp{Tools: make([]ToolResp, 0, len(descs))}
	for _, desc := range descs {
		resp.Tools = append(resp.Tools, toolToResp(desc))
	}
	writeJSON(w, http.StatusOK, resp)
}
