package batch

import (
	"context"
	"fmt"
	"sync"
)

// Worker processes a single item. Workers must be safe to call concurrently.
type Worker[I, O any] func(ctx context.Context, item I) (O, error)

// Gate runs worker over items with at most limit invocations in flight at
// once. The returned slice has exactly len(items) outcomes and outcome[i]
// corresponds to items[i], regardless of completion order. A worker error or
// panic is captured in its own slot and never aborts sibling workers.
//
// A limit <= 0 means unbounded (all items at once).
func Gate[I, O any](ctx context.Context, items []I, worker Worker[I, O], limit int) []Outcome[O] {
	outcomes := make([]Outcome[O], len(items))
	if len(items) == 0 {
		return outcomes
	}

	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(slot int, it I) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[slot] = runOne(ctx, it, worker)
		}(i, item)
	}

	wg.Wait()
	return outcomes
}

// runOne invokes the worker for a single item, converting panics into errors
// so one bad item cannot take down the whole gate.
func runOne[I, O any](ctx context.Context, item I, worker Worker[I, O]) (out Outcome[O]) {
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	v, err := worker(ctx, item)
	if err != nil {
		return Outcome[O]{Err: err}
	}
	return Outcome[O]{Value: v}
}
