package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/toolgate/internal/registry"
)

func TestHTTPConnector_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Operation != "docker_list_containers" || req.DryRun {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": 3}})
	}))
	defer srv.Close()

	c := NewHTTPConnector("docker_list_containers", srv.URL, srv.Client())
	res, err := c.Invoke(context.Background(), registry.Arguments{"all": true}, false)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["count"] != float64(3) {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestHTTPConnector_CollaboratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "service not found: api"})
	}))
	defer srv.Close()

	_, err := NewHTTPConnector("deploy", srv.URL, nil).Invoke(context.Background(), nil, false)
	if err == nil || err.Error() != "service not found: api" {
		t.Fatalf("expected verbatim collaborator error, got %v", err)
	}
}

func TestHTTPConnector_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPConnector("deploy", srv.URL, nil).Invoke(context.Background(), nil, false)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestHTTPConnector_HonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPConnector("slow", srv.URL, nil).Invoke(ctx, nil, false)
	if err == nil {
		t.Fatal("expected error after deadline")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("connector ignored deadline: %v", time.Since(start))
	}
}

func TestPreviewOnly_DryRunSkipsCollaborator(t *testing.T) {
	var calls atomic.Int32
	inner := registry.HandlerFunc(func(context.Context, registry.Arguments, bool) (any, error) {
		calls.Add(1)
		return "done", nil
	})
	h := PreviewOnly("google_cloud_run_deploy", inner)

	res, err := h.Invoke(context.Background(), registry.Arguments{"service": "api"}, true)
	if err != nil {
		t.Fatal(err)
	}
	preview, ok := res.(map[string]any)
	if !ok || preview["dry_run"] != true {
		t.Fatalf("expected preview, got %#v", res)
	}
	if calls.Load() != 0 {
		t.Fatal("collaborator called during dry run")
	}

	if _, err := h.Invoke(context.Background(), nil, false); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one real call, got %d", calls.Load())
	}
}

func TestWithSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"service"},
		"properties": map[string]any{
			"service": map[string]any{"type": "string"},
			"replicas": map[string]any{"type": "integer", "minimum": 1},
		},
	}
	inner := registry.HandlerFunc(func(context.Context, registry.Arguments, bool) (any, error) {
		return "ok", nil
	})
	h, err := WithSchema("google_cloud_run_deploy", schema, inner)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Invoke(context.Background(), registry.Arguments{"service": "api", "replicas": 2}, false); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
	if _, err := h.Invoke(context.Background(), registry.Arguments{"replicas": 2}, false); err == nil {
		t.Fatal("expected missing required field to fail")
	}
	if _, err := h.Invoke(context.Background(), registry.Arguments{"service": "api", "replicas": 0}, false); err == nil {
		t.Fatal("expected minimum violation to fail")
	}
}

func TestWithSchema_InvalidSchema(t *testing.T) {
	_, err := WithSchema("bad", map[string]any{"type": 12}, registry.HandlerFunc(nil))
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestResolver(t *testing.T) {
	resolve := NewResolver(nil)
	if _, err := resolve(registry.CatalogEntry{Name: "no_endpoint"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	h, err := resolve(registry.CatalogEntry{Name: "t", Endpoint: "http://127.0.0.1:1/never"})
	if err != nil {
		t.Fatal(err)
	}
	// Without native dry-run support the preview path must not dial out.
	res, err := h.Invoke(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("dry run should not reach collaborator: %v", err)
	}
	if _, ok := res.(map[string]any); !ok {
		t.Fatalf("expected preview map, got %#v", res)
	}
}
