package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogStore is a Store for local development that writes records to the
// logger. It cannot answer queries; Recorder.Query falls back to its
// in-memory index and the fallback file.
type LogStore struct {
	logger *zap.Logger
}

func NewLogStore(logger *zap.Logger) *LogStore {
	return &LogStore{logger: logger}
}

func (s *LogStore) Write(_ context.Context, records []*ExecutionRecord) error {
	for _, r := range records {
		s.logger.Info("execution_record",
			zap.String("correlation_id", r.CorrelationID),
			zap.String("operation", r.Operation),
			zap.String("tier", r.Tier),
			zap.String("outcome", string(r.Outcome)),
			zap.String("error_kind", r.ErrorKind),
			zap.String("error", r.Error),
			zap.Bool("dry_run_forced", r.DryRunForced),
			zap.Bool("effective_dry_run", r.EffectiveDryRun),
			zap.Duration("latency", r.Latency()),
		)
	}
	return nil
}

func (s *LogStore) Get(context.Context, string) (*ExecutionRecord, error) {
	return nil, ErrNotFound
}
