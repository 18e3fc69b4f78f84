package database

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/insight"
)

// DefaultBatchSize is the per-table flush threshold.
const DefaultBatchSize = 1000

// Sink accumulates records per destination table and flushes a table's
// batch once it reaches the threshold. FlushAll drains everything in
// dependency order so parents land before children on finalize.
//
// The sink serializes all access with a mutex; concurrent repository
// workers push through it safely.
type Sink struct {
	log       *zap.Logger
	store     Store
	threshold int

	mu      sync.Mutex
	batches map[string][]insight.Record
}

// NewSink creates a sink in front of the store.
func NewSink(log *zap.Logger, store Store, threshold int) *Sink {
	if threshold < 1 {
		threshold = DefaultBatchSize
	}
	return &Sink{
		log:       log,
		store:     store,
		threshold: threshold,
		batches:   make(map[string][]insight.Record),
	}
}

// Add appends a record to its table's batch, flushing the table when
// the threshold is reached. A flush failure propagates to the caller.
func (s *Sink) Add(ctx context.Context, record insight.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := record.Table()
	s.batches[table] = append(s.batches[table], record)
	if len(s.batches[table]) >= s.threshold {
		return s.flushLocked(ctx, table)
	}
	return nil
}

// Flush drains one table's batch.
func (s *Sink) Flush(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx, table)
}

// FlushAll drains every non-empty batch in dependency order.
func (s *Sink) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range insight.FlushOrder {
		if err := s.flushLocked(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered records for a table.
func (s *Sink) Pending(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[table])
}

func (s *Sink) flushLocked(ctx context.Context, table string) error {
	batch := s.batches[table]
	if len(batch) == 0 {
		return nil
	}
	if err := s.store.InsertRows(ctx, table, batch); err != nil {
		// Keep the batch for an operator retry; the run is failed by
		// the caller.
		return err
	}
	s.log.Debug("flushed batch", zap.String("table", table), zap.Int("rows", len(batch)))
	s.batches[table] = nil
	return nil
}
