package registry

import (
	"context"
	"fmt"
	"strings"
)

// Tier is the governance tier of an operation. It selects the default
// rate-limit policy and handler timeout.
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierMedium   Tier = "MEDIUM"
	TierLow      Tier = "LOW"
)

// Tiers lists every governance tier, most sensitive first.
var Tiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierHigh, TierMedium, TierLow:
		return true
	default:
		return false
	}
}

func (t Tier) String() string { return string(t) }

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown governance tier %q", s)
	}
	return t, nil
}

// TierFromRisk maps the older read/write/destructive risk labels found in
// existing tool_definitions rows onto governance tiers.
func TierFromRisk(risk string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case "read":
		return TierLow, true
	case "write":
		return TierHigh, true
	case "destructive":
		return TierCritical, true
	default:
		return "", false
	}
}

// Arguments is the opaque argument bag passed through to a handler.
// Only the handler interprets it.
type Arguments map[string]any

// Handler executes one operation against an external collaborator.
// When dryRun is true it must not mutate anything and should return a
// description of what it would have done. The deadline travels in ctx.
type Handler interface {
	Invoke(ctx context.Context, args Arguments, dryRun bool) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, args Arguments, dryRun bool) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, args Arguments, dryRun bool) (any, error) {
	return f(ctx, args, dryRun)
}

// ToolDescriptor describes a registered operation. Descriptors are
// immutable once registered.
type ToolDescriptor struct {
	Name                 string
	Tier                 Tier
	Category             string // cosmetic, for grouping
	Description          string
	Handler              Handler
	SupportsDryRun       bool
	MutatesExternalState bool
}

// Validate checks the fields required for registration.
func (d *ToolDescriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("descriptor name is required")
	}
	if !d.Tier.Valid() {
		return fmt.Errorf("descriptor %s: unknown governance tier %q", d.Name, d.Tier)
	}
	if d.Handler == nil {
		return fmt.Errorf("descriptor %s: handler is required", d.Name)
	}
	return nil
}
