// Package connector holds handler implementations that reach external
// collaborators. The dispatcher never imports this package; it only sees
// registry.Handler.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/triage-ai/toolgate/internal/registry"
)

const maxResponseBytes = 4 * 1024 * 1024

// HTTPConnector forwards an invocation to a collaborator over HTTP.
// The request carries the caller's context, so the dispatcher's deadline and
// caller disconnects cancel the outbound call.
type HTTPConnector struct {
	operation string
	endpoint  string
	client    *http.Client
}

// NewHTTPConnector creates a connector for one operation. A nil client uses
// http.DefaultClient; timeouts come from the context.
func NewHTTPConnector(operation, endpoint string, client *http.Client) *HTTPConnector {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConnector{operation: operation, endpoint: endpoint, client: client}
}

type invokeRequest struct {
	Operation string             `json:"operation"`
	Arguments registry.Arguments `json:"arguments"`
	DryRun    bool               `json:"dry_run"`
}

type invokeResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (c *HTTPConnector) Invoke(ctx context.Context, args registry.Arguments, dryRun bool) (any, error) {
	body, err := json.Marshal(invokeRequest{Operation: c.operation, Arguments: args, DryRun: dryRun})
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out invokeResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("%s: collaborator returned %d: %s", c.operation, resp.StatusCode, msg)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	return out.Result, nil
}

// DryRunPreview describes the call a handler would have made. Handlers whose
// collaborator has no native dry-run mode return it instead of calling out.
func DryRunPreview(operation string, args registry.Arguments) map[string]any {
	return map[string]any{
		"dry_run":   true,
		"operation": operation,
		"would_run": args,
	}
}

// PreviewOnly wraps a handler that has no native dry-run support: dry runs
// return a preview and never reach the collaborator.
func PreviewOnly(operation string, next registry.Handler) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, args registry.Arguments, dryRun bool) (any, error) {
		if dryRun {
			return DryRunPreview(operation, args), nil
		}
		return next.Invoke(ctx, args, false)
	})
}
