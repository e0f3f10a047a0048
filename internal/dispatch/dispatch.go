// Package dispatch decides whether a request may run and runs it.
//
// Every request passes the same gates in the same order: read the safety
// snapshot (kill switch), authenticate, look up the operation, check
// read-only, consume a rate-limit token, then invoke the handler under a
// per-tier timeout. Whatever the exit path, exactly one audit record is produced.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/limiter"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/safety"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SafetySource provides the safety snapshot.
type SafetySource interface {
	Snapshot() safety.State
}

// TokenConsumer consumes rate-limit tokens.
type TokenConsumer interface {
	TryConsume(ctx context.Context, tier registry.Tier, operation string) (limiter.Decision, error)
}

// AuditSink accepts execution records. Record must not block.
type AuditSink interface {
	Record(rec *audit.ExecutionRecord)
}

// Config wires a Dispatcher. Tracer, Meter, Now and NewID are optional.
type Config struct {
	Auth     auth.Authenticator
	Registry registry.Registry
	Safety   SafetySource
	Limiter  TokenConsumer
	Audit    AuditSink
	Timeouts Timeouts
	Logger   *zap.Logger

	Tracer trace.Tracer
	Meter  metric.Meter
	Now    func() time.Time
	NewID  func() string
}

// Dispatcher executes requests.
type Dispatcher struct {
	auth     auth.Authenticator
	registry registry.Registry
	safety   SafetySource
	limiter  TokenConsumer
	audit    AuditSink
	timeouts Timeouts
	logger   *zap.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
	now      func() time.Time
	newID    func() string
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Auth == nil:
		return nil, errors.New("New: authenticator is required")
	case cfg.Registry == nil:
		return nil, errors.New("New: registry is required")
	case cfg.Safety == nil:
		return nil, errors.New("New: safety source is required")
	case cfg.Limiter == nil:
		return nil, errors.New("New: limiter is required")
	case cfg.Audit == nil:
		return nil, errors.New("New: audit sink is required")
	}

	d := &Dispatcher{
		auth:     cfg.Auth,
		registry: cfg.Registry,
		safety:   cfg.Safety,
		limiter:  cfg.Limiter,
		audit:    cfg.Audit,
		timeouts: cfg.Timeouts,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/triage-ai/toolgate/internal/dispatch")
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}

	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("github.com/triage-ai/toolgate/internal/dispatch")
	}
	var err error
	if d.requests, err = meter.Int64Counter("toolgate.dispatch.requests",
		metric.WithDescription("Dispatched requests by outcome and tier"),
	); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if d.duration, err = meter.Float64Histogram("toolgate.dispatch.duration",
		metric.WithDescription("Dispatch latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	return d, nil
}

// Execute runs one request through every gate and, if admitted, its handler.
// It always returns a Response and always records exactly one
// ExecutionRecord.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) *Response {
	ctx, span := d.tracer.Start(ctx, "dispatch.Execute",
		trace.WithAttributes(attribute.String("toolgate.operation", req.Operation)),
	)
	defer span.End()

	rec := &audit.ExecutionRecord{
		CorrelationID:   d.newID(),
		Operation:       req.Operation,
		DryRunRequested: req.DryRun,
		StartedAt:       d.now(),
	}
	resp := &Response{CorrelationID: rec.CorrelationID}

	d.run(ctx, req, rec, resp)

	rec.EndedAt = d.now()
	rec.Outcome = resp.Outcome
	rec.Tier = resp.GovernanceLevel
	rec.DryRunForced = resp.DryRunForced
	if resp.Error != nil {
		rec.ErrorKind = string(resp.Error.Kind)
		rec.Error = resp.Error.Message
	}
	d.audit.Record(rec)

	d.observe(ctx, span, rec)
	return resp
}

func (d *Dispatcher) run(ctx context.Context, req *Request, rec *audit.ExecutionRecord, resp *Response) {
	// 1. One snapshot serves every later decision. The kill switch rejects
	// whatever the credential.
	snap := d.safety.Snapshot()
	if snap.KillSwitch {
		reject(resp, audit.OutcomeRejectedKillSwitch, KindKillSwitchActive, "kill switch is active")
		return
	}

	// 2. Authenticate. No bucket is touched on failure.
	principal, err := d.auth.Authenticate(ctx, req.Credential)
	if err != nil {
		kind, msg := KindAuthInvalid, "invalid credential"
		switch {
		case errors.Is(err, auth.ErrAuthMissing):
			kind, msg = KindAuthMissing, "missing credential"
		case errors.Is(err, auth.ErrAuthUnavailable):
			msg = "authentication unavailable"
		}
		reject(resp, audit.OutcomeRejectedAuth, kind, msg)
		return
	}
	rec.KeyID = principal.KeyID

	// 3. Lookup.
	desc, err := d.registry.Lookup(req.Operation)
	if err != nil {
		reject(resp, audit.OutcomeRejectedUnknownTool, KindUnknownTool,
			fmt.Sprintf("unknown operation %q", req.Operation))
		return
	}
	resp.GovernanceLevel = desc.Tier.String()

	// 4. Read-only.
	if desc.MutatesExternalState && (snap.GlobalReadOnly || req.ReadOnly) {
		scope := "request"
		if snap.GlobalReadOnly {
			scope = "global"
		}
		reject(resp, audit.OutcomeRejectedReadOnly, KindReadOnlyViolation,
			fmt.Sprintf("operation %q mutates external state and %s read-only mode is active", desc.Name, scope))
		return
	}

	// 5. Rate limit.
	if _, err := d.limiter.TryConsume(ctx, desc.Tier, desc.Name); err != nil {
		var rle *limiter.RateLimitError
		if errors.As(err, &rle) {
			resp.RetryAfter = rle.RetryAfter
		}
		reject(resp, audit.OutcomeRejectedRateLimit, KindRateLimitExceeded, err.Error())
		return
	}

	// 6. Demo mode forces a dry run whatever the caller asked for.
	effectiveDryRun := req.DryRun || snap.DemoMode
	resp.DryRunForced = snap.DemoMode && !req.DryRun
	rec.EffectiveDryRun = effectiveDryRun

	// 7-8. Invoke and classify.
	d.invoke(ctx, desc, req.Arguments, effectiveDryRun, resp)
}

type handlerResult struct {
	value any
	err   error
}

func (d *Dispatcher) invoke(ctx context.Context, desc *registry.ToolDescriptor, args registry.Arguments, dryRun bool, resp *Response) {
	timeout := d.timeouts.For(desc.Tier)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if args == nil {
		args = registry.Arguments{}
	}

	// Buffered so a handler that finishes after the timeout never blocks.
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		v, err := desc.Handler.Invoke(hctx, args, dryRun)
		done <- handlerResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err == nil:
			resp.Success = true
			resp.Outcome = audit.OutcomeAdmittedSuccess
			resp.Result = res.value
		case ctx.Err() != nil:
			d.canceled(resp)
		case errors.Is(hctx.Err(), context.DeadlineExceeded):
			d.timedOut(resp, timeout)
		default:
			reject(resp, audit.OutcomeAdmittedFailure, KindHandlerError, res.err.Error())
		}
	case <-hctx.Done():
		if ctx.Err() != nil {
			d.canceled(resp)
		} else {
			d.timedOut(resp, timeout)
		}
	}
}

func (d *Dispatcher) canceled(resp *Response) {
	reject(resp, audit.OutcomeAdmittedFailure, KindCanceled, "request canceled by caller")
}

func (d *Dispatcher) timedOut(resp *Response, timeout time.Duration) {
	reject(resp, audit.OutcomeAdmittedTimeout, KindHandlerTimeout,
		fmt.Sprintf("handler did not complete within %s", timeout))
}

func reject(resp *Response, outcome audit.Outcome, kind ErrorKind, msg string) {
	resp.Success = false
	resp.Outcome = outcome
	resp.Result = nil
	resp.Error = &ErrorBody{Kind: kind, Message: msg}
}

func (d *Dispatcher) observe(ctx context.Context, span trace.Span, rec *audit.ExecutionRecord) {
	attrs := []attribute.KeyValue{
		attribute.String("toolgate.outcome", string(rec.Outcome)),
		attribute.String("toolgate.tier", rec.Tier),
	}
	d.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	d.duration.Record(ctx, rec.Latency().Seconds(), metric.WithAttributes(attrs...))

	span.SetAttributes(append(attrs,
		attribute.String("toolgate.correlation_id", rec.CorrelationID),
		attribute.Bool("toolgate.effective_dry_run", rec.EffectiveDryRun),
	)...)
	if rec.Outcome != audit.OutcomeAdmittedSuccess {
		span.SetStatus(codes.Error, rec.ErrorKind)
	}

	fields := []zap.Field{
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("operation", rec.Operation),
		zap.String("tier", rec.Tier),
		zap.String("outcome", string(rec.Outcome)),
		zap.Bool("effective_dry_run", rec.EffectiveDryRun),
		zap.Duration("latency", rec.Latency()),
	}
	if rec.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", rec.ErrorKind), zap.String("error", rec.Error))
	}
	if rec.Outcome.Admitted() {
		d.logger.Info("dispatch", fields...)
	} else {
		d.logger.Warn("dispatch rejected", fields...)
	}
}
