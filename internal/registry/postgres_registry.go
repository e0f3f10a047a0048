package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	ListTools(ctx context.Context) ([]*toolRow, error)
}

type toolRow struct {
	ToolName             string
	Category             sql.NullString
	Description          sql.NullString
	GovernanceTier       sql.NullString
	RiskTier             sql.NullString
	SupportsDryRun       bool
	MutatesExternalState bool
	Endpoint             sql.NullString
	ArgumentSchema       sql.NullString // JSONB as string
}

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

// NewSQLToolStore wraps a database handle opened with the pgx driver.
func NewSQLToolStore(db *sql.DB) ToolStore {
	return &sqlToolStore{db: db}
}

func (s *sqlToolStore) ListTools(ctx context.Context) ([]*toolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, category, description, governance_tier, risk_tier,
		       supports_dry_run, mutates_external_state, endpoint, argument_schema
		FROM tool_definitions
		WHERE enabled
		ORDER BY tool_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*toolRow
	for rows.Next() {
		var r toolRow
		if err := rows.Scan(
			&r.ToolName, &r.Category, &r.Description, &r.GovernanceTier, &r.RiskTier,
			&r.SupportsDryRun, &r.MutatesExternalState, &r.Endpoint, &r.ArgumentSchema,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LoadPostgres reads the tool_definitions table once and registers every
// enabled row. The catalog is fixed for the lifetime of the process.
func LoadPostgres(ctx context.Context, store ToolStore, reg *MemoryRegistry, resolve HandlerResolver, logger *zap.Logger) (int, error) {
	rows, err := store.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("LoadPostgres: %w", err)
	}

	entries := make([]CatalogEntry, 0, len(rows))
	for _, row := range rows {
		e, err := parseToolRow(row)
		if err != nil {
			return 0, fmt.Errorf("LoadPostgres: %w", err)
		}
		entries = append(entries, e)
	}

	if err := RegisterCatalog(reg, entries, resolve, logger); err != nil {
		return 0, fmt.Errorf("LoadPostgres: %w", err)
	}
	return len(entries), nil
}

func parseToolRow(row *toolRow) (CatalogEntry, error) {
	e := CatalogEntry{
		Name:                 row.ToolName,
		Category:             row.Category.String,
		Description:          row.Description.String,
		Tier:                 row.GovernanceTier.String,
		Risk:                 row.RiskTier.String,
		SupportsDryRun:       row.SupportsDryRun,
		MutatesExternalState: row.MutatesExternalState,
		Endpoint:             row.Endpoint.String,
	}

	// Parse argument_schema (JSONB object)
	if row.ArgumentSchema.Valid && row.ArgumentSchema.String != "" && row.ArgumentSchema.String != "null" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(row.ArgumentSchema.String), &schema); err != nil {
			return CatalogEntry{}, fmt.Errorf("parseToolRow: %s: argument_schema: %w", row.ToolName, err)
		}
		e.ArgumentSchema = schema
	}
	return e, nil
}
