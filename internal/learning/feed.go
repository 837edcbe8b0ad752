// Package learning accumulates (record, validation outcome, decision) tuples
// for offline model improvement and serves advisory predictions back to the
// decision policy. Everything here is best-effort: a failure to record never
// blocks or rolls back a pipeline run.
package learning

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// Sample is one training tuple.
type Sample struct {
	RunID         string            `json:"run_id"`
	RecordID      string            `json:"record_id"`
	UnitID        string            `json:"unit_id"`
	Score         float64           `json:"score"`
	Confidence    float64           `json:"confidence"`
	FindingCount  int               `json:"finding_count"`
	HadAnomaly    bool              `json:"had_anomaly"`
	Disposition   model.Disposition `json:"disposition"`
	HumanOverride bool              `json:"human_override"`
	Actor         string            `json:"actor,omitempty"`
	At            time.Time         `json:"at"`
}

// NewSample builds a sample from a finished run and its validation set.
func NewSample(run *model.PipelineRun, results []model.ValidationResult, humanOverride bool, actor string) Sample {
	s := Sample{
		RunID:         run.ID,
		RecordID:      run.RecordID,
		UnitID:        run.UnitID,
		Score:         run.Score,
		Confidence:    run.Confidence,
		Disposition:   run.Disposition,
		HumanOverride: humanOverride,
		Actor:         actor,
		At:            time.Now().UTC(),
	}
	for _, r := range results {
		if r.Passed {
			continue
		}
		s.FindingCount++
		if r.Category == model.CategoryHistoricalAnomaly {
			s.HadAnomaly = true
		}
	}
	return s
}

// SampleStore persists learning samples. Implemented by the record store.
type SampleStore interface {
	SaveLearningSample(ctx context.Context, s Sample) error
	ListLearningSamples(ctx context.Context, limit int) ([]Sample, error)
}

// Feed accepts samples asynchronously and drains them to the store.
type Feed struct {
	store   SampleStore
	ch      chan Sample
	dropped atomic.Int64
	wg      sync.WaitGroup

	// mu guards ch against being closed while a Record send is in flight.
	mu     sync.RWMutex
	closed bool
}

// NewFeed starts the drain goroutine with the given buffer size.
func NewFeed(store SampleStore, bufferSize int) *Feed {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	f := &Feed{
		store: store,
		ch:    make(chan Sample, bufferSize),
	}
	f.wg.Add(1)
	go f.drain()
	return f
}

// Record enqueues a sample without blocking. When the buffer is full the
// sample is dropped and counted; callers never wait on the feed. Safe to call
// concurrently with Close.
func (f *Feed) Record(s Sample) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- s:
	default:
		n := f.dropped.Add(1)
		zap.L().Warn("learning: feed buffer full, sample dropped",
			zap.String("run_id", s.RunID),
			zap.Int64("total_dropped", n),
		)
	}
}

// Dropped returns how many samples were discarded due to backpressure.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Close stops intake and waits for buffered samples to flush.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Feed) drain() {
	defer f.wg.Done()
	for s := range f.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.store.SaveLearningSample(ctx, s); err != nil {
			zap.L().Warn("learning: failed to persist sample",
				zap.String("run_id", s.RunID),
				zap.Error(err),
			)
		}
		cancel()
	}
}
