package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createExecutionRecords = `
CREATE TABLE IF NOT EXISTS execution_records (
	correlation_id    String,
	operation         LowCardinality(String),
	tier              LowCardinality(String),
	outcome           LowCardinality(String),
	error_kind        LowCardinality(String),
	error             String,
	key_id            String,
	dry_run_requested UInt8,
	dry_run_forced    UInt8,
	effective_dry_run UInt8,
	started_at        DateTime64(6, 'UTC'),
	ended_at          DateTime64(6, 'UTC'),
	latency_ms        Float32
) ENGINE = MergeTree
ORDER BY (started_at, correlation_id)`

// ClickHouseStore persists records in the execution_records table.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseStore opens a connection and verifies it with a ping. TLS is
// enabled through the DSN (secure=true).
func NewClickHouseStore(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseStore: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseStore: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseStore: %w", err)
	}
	return &ClickHouseStore{conn: conn, logger: logger}, nil
}

// EnsureSchema creates the table if it does not exist.
func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createExecutionRecords); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (s *ClickHouseStore) Write(ctx context.Context, records []*ExecutionRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO execution_records (
			correlation_id, operation, tier, outcome, error_kind, error, key_id,
			dry_run_requested, dry_run_forced, effective_dry_run,
			started_at, ended_at, latency_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("Write: prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.CorrelationID,
			r.Operation,
			r.Tier,
			string(r.Outcome),
			r.ErrorKind,
			r.Error,
			r.KeyID,
			boolToUInt8(r.DryRunRequested),
			boolToUInt8(r.DryRunForced),
			boolToUInt8(r.EffectiveDryRun),
			r.StartedAt,
			r.EndedAt,
			float32(r.Latency().Seconds()*1000),
		); err != nil {
			s.logger.Error("clickhouse append record failed",
				zap.String("correlation_id", r.CorrelationID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("Write: send batch of %d: %w", len(records), err)
	}
	return nil
}

func (s *ClickHouseStore) Get(ctx context.Context, correlationID string) (*ExecutionRecord, error) {
	row := s.conn.QueryRow(ctx,
		"SELECT correlation_id, operation, tier, outcome, error_kind, error, key_id, "+
			"dry_run_requested, dry_run_forced, effective_dry_run, started_at, ended_at "+
			"FROM execution_records "+
			"WHERE correlation_id = @correlation_id "+
			"LIMIT 1",
		clickhouse.Named("correlation_id", correlationID),
	)

	var r ExecutionRecord
	var outcome string
	var requested, forced, effective uint8
	if err := row.Scan(
		&r.CorrelationID, &r.Operation, &r.Tier, &outcome, &r.ErrorKind, &r.Error, &r.KeyID,
		&requested, &forced, &effective, &r.StartedAt, &r.EndedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	// ClickHouse may scan an empty row rather than report no rows.
	if r.CorrelationID == "" {
		return nil, ErrNotFound
	}
	r.Outcome = Outcome(outcome)
	r.DryRunRequested = requested == 1
	r.DryRunForced = forced == 1
	r.EffectiveDryRun = effective == 1
	return &r, nil
}

// Close closes the connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
