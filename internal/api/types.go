package api

import (
	"github.com/triage-ai/toolgate/internal/limiter"
	"github.com/triage-ai/toolgate/internal/registry"
)

// ErrorResp is the body of transport-level errors (bad JSON, admin auth).
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Admin ---

// ToggleReq is the JSON body for PUT /admin/safety/*.
type ToggleReq struct {
	Enabled *bool `json:"enabled"`
}

// BucketResp describes one governance bucket.
type BucketResp struct {
	Key           string  `json:"key"`
	Capacity      int     `json:"capacity"`
	WindowSeconds float64 `json:"window_seconds"`
	Tokens        float64 `json:"tokens"`
}

func bucketToResp(b limiter.BucketState) BucketResp {
	return BucketResp{
		Key:           b.Key,
		Capacity:      b.Capacity,
		WindowSeconds: b.Window.Seconds(),
		Tokens:        b.Tokens,
	}
}

// ListBucketsResp is the response for GET /admin/limiter/buckets.
type ListBucketsResp struct {
	Buckets []BucketResp `json:"buckets"`
}

// ToolResp describes one registered operation. Handlers are not exposed.
type ToolResp struct {
	Name                 string `json:"name"`
	Tier                 string `json:"tier"`
	Category             string `json:"category,omitempty"`
	Description          string `json:"description,omitempty"`
	SupportsDryRun       bool   `json:"supports_dry_run"`
	MutatesExternalState bool   `json:"mutates_external_state"`
}

func toolToResp(d *registry.ToolDescriptor) ToolResp {
	return ToolResp{
		Name:                 d.Name,
		Tier:                 d.Tier.String(),
		Category:             d.Category,
		Description:          d.Description,
		SupportsDryRun:       d.SupportsDryRun,
		MutatesExternalState: d.MutatesExternalState,
	}
}

// ListToolsResp is the response for GET /admin/tools.
type ListToolsResp struct {
	Tools []ToolResp `json:"tools"`
}

