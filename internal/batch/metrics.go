package batch

import (
	"sync"
	"time"
)

// Metrics accumulates request counters across orchestrator runs. All methods
// are safe for concurrent use; the orchestrator updates it after each batch.
// Counters are process-local and reset when the owning session ends.
type Metrics struct {
	mu                 sync.Mutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	windowStart        time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	WindowStart        time.Time `json:"window_start"`
}

// NewMetrics returns zeroed metrics with the window starting now.
func NewMetrics() *Metrics {
	return &Metrics{windowStart: time.Now()}
}

// Record adds the outcome counts of one batch. succeeded+failed must equal
// the batch size; the orchestrator guarantees this by construction.
func (m *Metrics) Record(succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests += int64(succeeded + failed)
	m.successfulRequests += int64(succeeded)
	m.failedRequests += int64(failed)
}

// Reset zeroes all counters and restarts the window.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests = 0
	m.successfulRequests = 0
	m.failedRequests = 0
	m.windowStart = time.Now()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		WindowStart:        m.windowStart,
	}
}

// RequestsPerSecond divides the total counter by the wall-clock time since
// the last reset. There is no windowing, so this is a coarse gauge only;
// it is not suitable for rate-limiting decisions.
func (m *Metrics) RequestsPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.totalRequests) / elapsed
}
