package dispatch

import (
	"time"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/registry"
)

// Request is one inbound execute call.
type Request struct {
	Operation  string             `json:"operationName"`
	Arguments  registry.Arguments `json:"arguments"`
	DryRun     bool               `json:"dryRun"`
	ReadOnly   bool               `json:"readOnly"`
	Credential string             `json:"credential"`
}

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	KindAuthMissing       ErrorKind = "AuthMissing"
	KindAuthInvalid       ErrorKind = "AuthInvalid"
	KindKillSwitchActive  ErrorKind = "KillSwitchActive"
	KindUnknownTool       ErrorKind = "UnknownTool"
	KindReadOnlyViolation ErrorKind = "ReadOnlyViolation"
	KindRateLimitExceeded ErrorKind = "RateLimitExceeded"
	KindHandlerTimeout    ErrorKind = "HandlerTimeout"
	KindHandlerError      ErrorKind = "HandlerError"
	KindCanceled          ErrorKind = "Canceled"
)

// ErrorBody is the error half of a Response.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Response is the result of Execute. Outcome and RetryAfter are for
// transports; they are not part of the response body.
type Response struct {
	Success         bool       `json:"success"`
	CorrelationID   string     `json:"correlationId"`
	GovernanceLevel string     `json:"governanceLevel"`
	DryRunForced    bool       `json:"dryRunForced"`
	Result          any        `json:"result"`
	Error           *ErrorBody `json:"error"`

	Outcome    audit.Outcome `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// DefaultTimeout bounds a handler call when no tier timeout is configured.
const DefaultTimeout = 30 * time.Second

// Timeouts bounds handler execution per tier.
type Timeouts struct {
	Default time.Duration
	PerTier map[registry.Tier]time.Duration
}

// For returns the timeout for tier.
func (t Timeouts) For(tier registry.Tier) time.Duration {
	if d, ok := t.PerTier[tier]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultTimeout
}

// Max returns the longest timeout any tier can get.
func (t Timeouts) Max() time.Duration {
	var longest time.Duration
	for _, tier := range registry.Tiers {
		if d := t.For(tier); d > longest {
			longest = d
		}
	}
	return longest
}
