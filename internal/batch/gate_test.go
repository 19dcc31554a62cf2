package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_PreservesInputOrder(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7}

	// Make earlier items finish later so completion order differs from
	// input order.
	worker := func(ctx context.Context, n int) (string, error) {
		time.Sleep(time.Duration(len(items)-n) * time.Millisecond)
		return fmt.Sprintf("item-%d", n), nil
	}

	out := Gate(context.Background(), items, worker, 4)
	if len(out) != len(items) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(items))
	}
	for i, o := range out {
		if !o.Fulfilled() {
			t.Errorf("out[%d] rejected: %v", i, o.Err)
		}
		if want := fmt.Sprintf("item-%d", i); o.Value != want {
			t.Errorf("out[%d] = %q, want %q", i, o.Value, want)
		}
	}
}

func TestGate_NeverExceedsLimit(t *testing.T) {
	const limit = 3
	var inFlight, peak int64
	var mu sync.Mutex

	worker := func(ctx context.Context, n int) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return n, nil
	}

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	Gate(context.Background(), items, worker, limit)

	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Errorf("peak concurrency = %d, want <= %d", peak, limit)
	}
	if peak == 0 {
		t.Error("no workers ran")
	}
}

func TestGate_FailureIsolation(t *testing.T) {
	worker := func(ctx context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, errors.New("odd item")
		}
		return n * 10, nil
	}

	out := Gate(context.Background(), []int{0, 1, 2, 3, 4}, worker, 2)
	if len(out) != 5 {
		t.Fatalf("len(out) = %d, want 5", len(out))
	}
	for i, o := range out {
		if i%2 == 1 {
			if o.Fulfilled() {
				t.Errorf("out[%d] fulfilled, want rejected", i)
			}
			continue
		}
		if !o.Fulfilled() || o.Value != i*10 {
			t.Errorf("out[%d] = %+v, want value %d", i, o, i*10)
		}
	}
}

func TestGate_WorkerPanicCaptured(t *testing.T) {
	worker := func(ctx context.Context, n int) (int, error) {
		if n == 1 {
			panic("boom")
		}
		return n, nil
	}

	out := Gate(context.Background(), []int{0, 1, 2}, worker, 3)
	if out[1].Fulfilled() {
		t.Error("panicking worker reported as fulfilled")
	}
	if out[1].Err == nil {
		t.Error("panicking worker has nil error")
	}
	if !out[0].Fulfilled() || !out[2].Fulfilled() {
		t.Error("sibling workers aborted by panic")
	}
}

func TestGate_EmptyInput(t *testing.T) {
	out := Gate(context.Background(), nil, func(ctx context.Context, n int) (int, error) {
		return n, nil
	}, 4)
	if len(out) != 0 {
		t.Errorf("len(out) = %d, want 0", len(out))
	}
}

func TestFlatten(t *testing.T) {
	outcomes := []Outcome[[]int]{
		{Value: []int{1, 2}},
		{Err: errors.New("failed")},
		{Value: []int{3}},
	}
	got := Flatten(outcomes)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Flatten() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Flatten()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
