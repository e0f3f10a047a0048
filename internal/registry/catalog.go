package registry

import (
	"fmt"

	"go.uber.org/zap"
)

// CatalogEntry is the static, transport-neutral description of a tool as it
// appears in the YAML catalog or the tool_definitions table. It carries no
// handler; a HandlerResolver turns it into one.
type CatalogEntry struct {
	Name                 string
	Category             string
	Description          string
	Tier                 string // CRITICAL/HIGH/MEDIUM/LOW
	Risk                 string // legacy read/write/destructive, used when Tier is empty
	SupportsDryRun       bool
	MutatesExternalState bool
	Endpoint             string
	ArgumentSchema       map[string]any // JSON Schema, nil if not set
}

// ResolveTier returns the entry's governance tier, falling back to the
// legacy risk label.
func (e CatalogEntry) ResolveTier() (Tier, error) {
	if e.Tier != "" {
		return ParseTier(e.Tier)
	}
	if t, ok := TierFromRisk(e.Risk); ok {
		return t, nil
	}
	return "", fmt.Errorf("tool %s: no governance tier", e.Name)
}

// HandlerResolver builds the handler for a catalog entry.
type HandlerResolver func(entry CatalogEntry) (Handler, error)

// RegisterCatalog resolves and registers every entry. It stops at the first
// failure so a broken catalog is caught at startup.
func RegisterCatalog(reg *MemoryRegistry, entries []CatalogEntry, resolve HandlerResolver, logger *zap.Logger) error {
	for _, e := range entries {
		tier, err := e.ResolveTier()
		if err != nil {
			return fmt.Errorf("RegisterCatalog: %w", err)
		}
		h, err := resolve(e)
		if err != nil {
			return fmt.Errorf("RegisterCatalog: tool %s: %w", e.Name, err)
		}
		if err := reg.Register(&ToolDescriptor{
			Name:                 e.Name,
			Tier:                 tier,
			Category:             e.Category,
			Description:          e.Description,
			Handler:              h,
			SupportsDryRun:       e.SupportsDryRun,
			MutatesExternalState: e.MutatesExternalState,
		}); err != nil {
			return fmt.Errorf("RegisterCatalog: %w", err)
		}
		logger.Debug("tool registered",
			zap.String("tool_name", e.Name),
			zap.String("tier", string(tier)),
			zap.Bool("mutates_external_state", e.MutatesExternalState),
		)
	}
	return nil
}
