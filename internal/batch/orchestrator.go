package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultMaxConcurrent = 6

// Orchestrator splits work lists into fixed-size batches, runs each batch
// through Gate, and paces between batches to respect upstream fair-use
// limits. It records per-batch counts into Metrics.
type Orchestrator struct {
	maxConcurrent int
	metrics       *Metrics
}

// NewOrchestrator creates an Orchestrator with the given per-batch
// concurrency limit. If maxConcurrent <= 0 the default (6) is used.
// metrics may be nil, in which case counters are kept internally.
func NewOrchestrator(maxConcurrent int, metrics *Metrics) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Orchestrator{maxConcurrent: maxConcurrent, metrics: metrics}
}

// Metrics returns the counters this orchestrator records into.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// RunBatches partitions items into contiguous batches of batchSize, runs each
// batch through Gate with the orchestrator's concurrency limit, and sleeps
// for delay after every batch except the last. The returned slice always has
// exactly len(items) outcomes in input order; batch execution never fails the
// caller. If ctx is cancelled mid-run, the remaining items are marked
// rejected with the context error.
func RunBatches[I, O any](ctx context.Context, o *Orchestrator, items []I, worker Worker[I, O], batchSize int, delay time.Duration) []Outcome[O] {
	if batchSize <= 0 {
		batchSize = len(items)
	}

	outcomes := make([]Outcome[O], 0, len(items))
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		chunk := items[start:end]

		if err := ctx.Err(); err != nil {
			for range chunk {
				outcomes = append(outcomes, Outcome[O]{Err: err})
			}
			continue
		}

		result := runBatch(ctx, o, chunk, worker)
		succeeded := 0
		for _, r := range result {
			if r.Fulfilled() {
				succeeded++
			}
		}
		o.metrics.Record(succeeded, len(chunk)-succeeded)
		outcomes = append(outcomes, result...)

		if end < len(items) && delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
	return outcomes
}

// runBatch executes one batch, converting an orchestration-level panic into
// a whole-batch failure rather than propagating it.
func runBatch[I, O any](ctx context.Context, o *Orchestrator, chunk []I, worker Worker[I, O]) (result []Outcome[O]) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("batch execution panicked, marking batch failed", "size", len(chunk), "panic", r)
			result = make([]Outcome[O], len(chunk))
			for i := range result {
				result[i] = Outcome[O]{Err: fmt.Errorf("batch failed: %v", r)}
			}
		}
	}()
	return Gate(ctx, chunk, worker, o.maxConcurrent)
}
