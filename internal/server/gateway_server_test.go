package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/dispatch"
	"github.com/triage-ai/toolgate/internal/limiter"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/safety"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const testKey = "tgk_grpc_test_key"

type recordingSink struct {
	mu      sync.Mutex
	records []*audit.ExecutionRecord
}

func (s *recordingSink) Record(rec *audit.ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type testEnv struct {
	client *GatewayServiceClient
	safety *safety.Controller
	sink   *recordingSink
}

// testServer spins up an in-process gRPC server over a real dispatcher and
// returns a connected client.
func testServer(t *testing.T, policies map[registry.Tier]limiter.Policy) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.NewMemoryRegistry()
	reg.MustRegister(&registry.ToolDescriptor{
		Name: "docker_list_containers",
		Tier: registry.TierLow,
		Handler: registry.HandlerFunc(func(_ context.Context, args registry.Arguments, dryRun bool) (any, error) {
			return map[string]any{"containers": []any{"web", "db"}, "dry_run": dryRun, "all": args["all"]}, nil
		}),
		SupportsDryRun: true,
	})
	reg.MustRegister(&registry.ToolDescriptor{
		Name: "google_cloud_run_deploy",
		Tier: registry.TierCritical,
		Handler: registry.HandlerFunc(func(context.Context, registry.Arguments, bool) (any, error) {
			return nil, errors.New("quota exceeded in us-central1")
		}),
		MutatesExternalState: true,
	})
	reg.MustRegister(&registry.ToolDescriptor{
		Name: "slow_op",
		Tier: registry.TierMedium,
		Handler: registry.HandlerFunc(func(ctx context.Context, _ registry.Arguments, _ bool) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	if policies == nil {
		policies = limiter.DefaultPolicies()
	}
	lim, err := limiter.New(limiter.Config{Tiers: policies}, nil, logger)
	if err != nil {
		t.Fatalf("limiter.New: %v", err)
	}
	ctrl := safety.NewController(safety.State{}, logger)
	sink := &recordingSink{}

	d, err := dispatch.New(dispatch.Config{
		Auth:     auth.NewStaticAuthenticator([]auth.StaticKey{{ID: "ops", Secret: testKey}}),
		Registry: reg,
		Safety:   ctrl,
		Limiter:  lim,
		Audit:    sink,
		Timeouts: dispatch.Timeouts{PerTier: map[registry.Tier]time.Duration{registry.TierMedium: 50 * time.Millisecond}},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	grpcServer := grpc.NewServer()
	RegisterGatewayServiceServer(grpcServer, NewGatewayServer(d, logger))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go grpcServer.Serve(lis) //nolint:errcheck

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
	})

	return &testEnv{client: NewGatewayServiceClient(conn), safety: ctrl, sink: sink}
}

// authedCtx creates a context with valid auth metadata.
func authedCtx() context.Context {
	md := metadata.Pairs("authorization", "Bearer "+testKey)
	return metadata.NewOutgoingContext(context.Background(), md)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

// detail returns the response struct carried by a status error.
func detail(t *testing.T, err error) (codes.Code, map[string]any) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("not a status error: %v", err)
	}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return st.Code(), s.AsMap()
		}
	}
	t.Fatalf("status %v carries no response detail", st)
	return st.Code(), nil
}

func TestIntegration_Success(t *testing.T) {
	env := testServer(t, nil)

	var header metadata.MD
	resp, err := env.client.Execute(authedCtx(), mustStruct(t, map[string]any{
		"operationName": "docker_list_containers",
		"arguments":     map[string]any{"all": true},
	}), grpc.Header(&header))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	body := resp.AsMap()
	if body["success"] != true || body["governanceLevel"] != "LOW" || body["dryRunForced"] != false {
		t.Fatalf("body = %v", body)
	}
	result, _ := body["result"].(map[string]any)
	if result["all"] != true {
		t.Fatalf("arguments not passed through: %v", result)
	}
	id, _ := body["correlationId"].(string)
	if id == "" {
		t.Fatal("missing correlationId")
	}
	if got := header.Get("x-correlation-id"); len(got) != 1 || got[0] != id {
		t.Fatalf("x-correlation-id = %v, want %s", got, id)
	}
	if env.sink.count() != 1 {
		t.Fatalf("records = %d, want 1", env.sink.count())
	}
}

func TestIntegration_CredentialInMessage(t *testing.T) {
	env := testServer(t, nil)

	_, err := env.client.Execute(context.Background(), mustStruct(t, map[string]any{
		"operationName": "docker_list_containers",
		"credential":    testKey,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestIntegration_Unauthenticated(t *testing.T) {
	env := testServer(t, nil)

	_, err := env.client.Execute(context.Background(), mustStruct(t, map[string]any{
		"operationName": "docker_list_containers",
	}))
	code, body := detail(t, err)
	if code != codes.Unauthenticated {
		t.Fatalf("code = %v, want Unauthenticated", code)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["kind"] != string(dispatch.KindAuthMissing) {
		t.Fatalf("error = %v", errBody)
	}
}

func TestIntegration_DemoModeForcesDryRun(t *testing.T) {
	env := testServer(t, nil)
	env.safety.SetDemoMode(true)

	resp, err := env.client.Execute(authedCtx(), mustStruct(t, map[string]any{
		"operationName": "docker_list_containers",
		"dryRun":        false,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	body := resp.AsMap()
	result, _ := body["result"].(map[string]any)
	if body["dryRunForced"] != true || result["dry_run"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestIntegration_HandlerErrorIsOK(t *testing.T) {
	env := testServer(t, nil)

	resp, err := env.client.Execute(authedCtx(), mustStruct(t, map[string]any{
		"operationName": "google_cloud_run_deploy",
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	body := resp.AsMap()
	errBody, _ := body["error"].(map[string]any)
	if body["success"] != false || errBody["kind"] != string(dispatch.KindHandlerError) ||
		errBody["message"] != "quota exceeded in us-central1" {
		t.Fatalf("body = %v", body)
	}
}

func TestIntegration_StatusCodes(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*safety.Controller)
		req   map[string]any
		want  codes.Code
	}{
		{
			name:  "kill switch",
			setup: func(c *safety.Controller) { c.SetKillSwitch(true) },
			req:   map[string]any{"operationName": "docker_list_containers"},
			want:  codes.Unavailable,
		},
		{
			name: "unknown tool",
			req:  map[string]any{"operationName": "no_such_tool"},
			want: codes.NotFound,
		},
		{
			name:  "global read-only",
			setup: func(c *safety.Controller) { c.SetReadOnly(true) },
			req:   map[string]any{"operationName": "google_cloud_run_deploy"},
			want:  codes.FailedPrecondition,
		},
		{
			name: "request read-only",
			req:  map[string]any{"operationName": "google_cloud_run_deploy", "readOnly": true},
			want: codes.FailedPrecondition,
		},
		{
			name: "timeout",
			req:  map[string]any{"operationName": "slow_op"},
			want: codes.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t, nil)
			if tt.setup != nil {
				tt.setup(env.safety)
			}
			_, err := env.client.Execute(authedCtx(), mustStruct(t, tt.req))
			code, body := detail(t, err)
			if code != tt.want {
				t.Fatalf("code = %v, want %v", code, tt.want)
			}
			if id, _ := body["correlationId"].(string); id == "" {
				t.Fatalf("detail missing correlationId: %v", body)
			}
			if env.sink.count() != 1 {
				t.Fatalf("records = %d, want 1", env.sink.count())
			}
		})
	}
}

func TestIntegration_RateLimited(t *testing.T) {
	policies := limiter.DefaultPolicies()
	policies[registry.TierLow] = limiter.Policy{Capacity: 1, Window: time.Hour}
	env := testServer(t, policies)

	req := mustStruct(t, map[string]any{"operationName": "docker_list_containers"})
	if _, err := env.client.Execute(authedCtx(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}

	var trailer metadata.MD
	_, err := env.client.Execute(authedCtx(), req, grpc.Trailer(&trailer))
	code, _ := detail(t, err)
	if code != codes.ResourceExhausted {
		t.Fatalf("code = %v, want ResourceExhausted", code)
	}
	if got := trailer.Get("retry-after"); len(got) != 1 || got[0] != "3600" {
		t.Fatalf("retry-after = %v, want [3600]", got)
	}
}

func TestIntegration_InvalidArgument(t *testing.T) {
	env := testServer(t, nil)

	bad := []map[string]any{
		{"operationName": 42.0},
		{"operationName": "docker_list_containers", "dryRun": "yes"},
		{"operationName": "docker_list_containers", "arguments": []any{"x"}},
	}
	for _, m := range bad {
		_, err := env.client.Execute(authedCtx(), mustStruct(t, m))
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("%v: code = %v, want InvalidArgument", m, status.Code(err))
		}
	}
	if env.sink.count() != 0 {
		t.Fatalf("undecodable requests should not reach the dispatcher, got %d records", env.sink.count())
	}
}

func TestCodeFor(t *testing.T) {
	for _, o := range []audit.Outcome{audit.OutcomeAdmittedSuccess, audit.OutcomeAdmittedFailure} {
		if codeFor(o) != codes.OK {
			t.Errorf("codeFor(%s) = %v, want OK", o, codeFor(o))
		}
	}
}
