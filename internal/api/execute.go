package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/dispatch"
)

// handleExecute implements POST /v1/execute.
func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	// A credential in the body wins over the Authorization header.
	if req.Credential == "" {
		req.Credential = auth.ExtractBearerToken(r.Header.Get("Authorization"))
	}

	resp := d.Dispatcher.Execute(r.Context(), &req)

	if resp.Outcome == audit.OutcomeRejectedRateLimit && resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(resp.RetryAfter))
	}
	writeJSON(w, statusFor(resp), resp)
}

// statusFor maps an outcome onto an HTTP status. Admitted requests are 200
// whether or not the handler succeeded, except for timeouts.
func statusFor(resp *dispatch.Response) int {
	switch resp.Outcome {
	case audit.OutcomeRejectedAuth:
		return http.StatusUnauthorized
	case audit.OutcomeRejectedKillSwitch:
		return http.StatusServiceUnavailable
	case audit.OutcomeRejectedReadOnly:
		return http.StatusForbidden
	case audit.OutcomeRejectedUnknownTool:
		return http.StatusNotFound
	case audit.OutcomeRejectedRateLimit:
		return http.StatusTooManyRequests
	case audit.OutcomeAdmittedTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusOK
	}
}

// retryAfterSeconds renders d as whole seconds, rounded up, never below 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
