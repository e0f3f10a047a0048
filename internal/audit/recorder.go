package audit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RecorderConfig tunes the write pipeline. Zero values take defaults.
type RecorderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	// MaxRetries is the number of retries after the first failed write.
	// Negative disables retries.
	MaxRetries int
	Backoff    BackoffConfig
	// IndexSize bounds the in-memory index of recent records served by Query.
	IndexSize int
}

func (c *RecorderConfig) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.IndexSize <= 0 {
		c.IndexSize = 10_000
	}
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Queued         int    `json:"queued"`
	Written        int64  `json:"written"`
	FallbackWrites int64  `json:"fallback_writes"`
	Dropped        int64  `json:"dropped"`
	Degraded       bool   `json:"degraded"`
	FallbackPath   string `json:"fallback_path,omitempty"`
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithMeter sets the meter used for audit metrics.
func WithMeter(m metric.Meter) RecorderOption {
	return func(r *Recorder) { r.meter = m }
}

// Recorder queues records and writes them to a Store in batches from a
// single background goroutine.
//
// Record never blocks on the store. When the queue is full the oldest queued
// record is moved to the fallback file to make room. A batch that still
// fails after MaxRetries is written to the fallback file and the recorder
// reports itself degraded until a later write succeeds. While degraded each
// batch gets a single attempt.
type Recorder struct {
	store    Store
	fallback *FileFallback
	cfg      RecorderConfig
	logger   *zap.Logger

	queue   chan *ExecutionRecord
	done    chan struct{}
	flushed chan struct{}
	closeMu sync.RWMutex // held shared from the closed check to the enqueue
	closed  atomic.Bool
	once    sync.Once

	degraded       atomic.Bool
	written        atomic.Int64
	fallbackWrites atomic.Int64
	dropped        atomic.Int64

	indexMu sync.RWMutex
	index   map[string]*ExecutionRecord
	ring    []string
	ringPos int

	rng *rand.Rand

	meter           metric.Meter
	fallbackCounter metric.Int64Counter
	droppedCounter  metric.Int64Counter
}

// NewRecorder creates a Recorder and starts its flush loop. fallback may be
// nil, in which case records that cannot be stored are only logged.
func NewRecorder(store Store, fallback *FileFallback, cfg RecorderConfig, logger *zap.Logger, opts ...RecorderOption) (*Recorder, error) {
	cfg.withDefaults()
	r := &Recorder{
		store:    store,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan *ExecutionRecord, cfg.QueueSize),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		index:    make(map[string]*ExecutionRecord, cfg.IndexSize),
		ring:     make([]string, cfg.IndexSize),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		meter:    otel.Meter("github.com/triage-ai/toolgate/internal/audit"),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.fallbackCounter, err = r.meter.Int64Counter("toolgate.audit.fallback_writes",
		metric.WithDescription("Records written to the local fallback file"),
	); err != nil {
		return nil, err
	}
	if r.droppedCounter, err = r.meter.Int64Counter("toolgate.audit.dropped",
		metric.WithDescription("Records displaced from a full queue"),
	); err != nil {
		return nil, err
	}

	go r.flushLoop()
	return r, nil
}

// Record queues rec for writing. It never blocks on the store. rec must not
// be modified afterwards.
func (r *Recorder) Record(rec *ExecutionRecord) {
	r.remember(rec)

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()

	if r.closed.Load() {
		r.writeFallback([]*ExecutionRecord{rec}, errors.New("recorder closed"))
		return
	}

	for {
		select {
		case r.queue <- rec:
			return
		default:
		}

		select {
		case old := <-r.queue:
			r.dropped.Add(1)
			r.droppedCounter.Add(context.Background(), 1)
			r.logger.Warn("audit queue full, moving oldest record to fallback",
				zap.String("correlation_id", old.CorrelationID),
			)
			r.writeFallback([]*ExecutionRecord{old}, errors.New("queue overflow"))
		default:
		}
	}
}

// Query returns the record for correlationID from the recent-record index,
// the store, or the fallback file, in that order.
func (r *Recorder) Query(ctx context.Context, correlationID string) (*ExecutionRecord, error) {
	r.indexMu.RLock()
	rec, ok := r.index[correlationID]
	r.indexMu.RUnlock()
	if ok {
		cp := *rec
		return &cp, nil
	}

	stored, err := r.store.Get(ctx, correlationID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("audit store query failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}

	if r.fallback != nil {
		found, err := r.fallback.Find(correlationID)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("audit fallback query failed", zap.String("correlation_id", correlationID), zap.Error(err))
		}
	}
	return nil, ErrNotFound
}

// Degraded reports whether the last store write failed after retries.
func (r *Recorder) Degraded() bool {
	return r.degraded.Load()
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	s := Stats{
		Queued:         len(r.queue),
		Written:        r.written.Load(),
		FallbackWrites: r.fallbackWrites.Load(),
		Dropped:        r.dropped.Load(),
		Degraded:       r.degraded.Load(),
	}
	if r.fallback != nil {
		s.FallbackPath = r.fallback.Path()
	}
	return s
}

// Close drains queued records to the store and stops the flush loop.
// Records arriving after Close go straight to the fallback file.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.closeMu.Lock()
		r.closed.Store(true)
		r.closeMu.Unlock()

		close(r.done)
		<-r.flushed
	})
}

func (r *Recorder) remember(rec *ExecutionRecord) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	if evicted := r.ring[r.ringPos]; evicted != "" {
		delete(r.index, evicted)
	}
	r.ring[r.ringPos] = rec.CorrelationID
	r.ringPos = (r.ringPos + 1) % len(r.ring)
	r.index[rec.CorrelationID] = rec
}

func (r *Recorder) flushLoop() {
	defer close(r.flushed)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*ExecutionRecord, 0, r.cfg.BatchSize)

	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = make([]*ExecutionRecord, 0, r.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]*ExecutionRecord, 0, r.cfg.BatchSize)
			}
		case <-r.done:
		drainLoop:
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
					if len(batch) >= r.cfg.BatchSize {
						r.flush(batch)
						batch = make([]*ExecutionRecord, 0, r.cfg.BatchSize)
					}
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

func (r *Recorder) flush(batch []*ExecutionRecord) {
	if err := r.writeWithRetry(batch); err != nil {
		if !r.degraded.Swap(true) {
			r.logger.Error("audit store unreachable, writing to fallback", zap.Error(err))
		}
		r.writeFallback(batch, err)
		return
	}

	r.written.Add(int64(len(batch)))
	if r.degraded.Swap(false) {
		r.logger.Info("audit store recovered")
	}
}

func (r *Recorder) writeWithRetry(batch []*ExecutionRecord) error {
	attempts := r.cfg.MaxRetries + 1
	if r.degraded.Load() {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err = r.store.Write(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := nextBackoffDelay(r.cfg.Backoff, attempt, r.rng)
		r.logger.Warn("audit store write failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(batch)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		time.Sleep(delay)
	}
	return err
}

func (r *Recorder) writeFallback(records []*ExecutionRecord, cause error) {
	r.fallbackWrites.Add(int64(len(records)))
	r.fallbackCounter.Add(context.Background(), int64(len(records)))

	if r.fallback == nil {
		for _, rec := range records {
			r.logger.Error("audit record lost",
				zap.String("correlation_id", rec.CorrelationID),
				zap.String("operation", rec.Operation),
				zap.String("outcome", string(rec.Outcome)),
				zap.NamedError("cause", cause),
			)
		}
		return
	}
	if err := r.fallback.Append(records); err != nil {
		r.logger.Error("audit fallback write failed",
			zap.Int("records", len(records)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}
