package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
)

// SystemMetrics tracks pipeline and process performance. It implements
// autoexec.Observer.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	PipelineLatency *LatencyHistogram
	DBLatency       *LatencyHistogram

	// Counters
	signalsReceived atomic.Uint64
	executed        atomic.Uint64
	rejected        atomic.Uint64
	errored         atomic.Uint64
	ticksProcessed  atomic.Uint64
	autoCloses      atomic.Uint64
	recordsWritten  atomic.Uint64
	errorsCount     atomic.Uint64

	byCode     map[autoexec.Code]uint64
	busDropped func() uint64
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		PipelineLatency: NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
		byCode:          make(map[autoexec.Code]uint64),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// ObserveResult records one auto-execute pipeline run.
func (m *SystemMetrics) ObserveResult(res autoexec.Result, elapsed time.Duration) {
	m.signalsReceived.Add(1)
	m.PipelineLatency.RecordDuration(elapsed)
	switch res.Outcome {
	case autoexec.OutcomeExecuted:
		m.executed.Add(1)
	case autoexec.OutcomeRejected:
		m.rejected.Add(1)
	case autoexec.OutcomeErrored:
		m.errored.Add(1)
	}
	m.mu.Lock()
	m.byCode[res.Code]++
	m.mu.Unlock()
}

// ObserveFlush records a persistence batch.
func (m *SystemMetrics) ObserveFlush(n int, d time.Duration, err error) {
	m.DBLatency.RecordDuration(d)
	if err != nil {
		m.errorsCount.Add(1)
		return
	}
	m.recordsWritten.Add(uint64(n))
}

// IncrementTicks increments processed price ticks.
func (m *SystemMetrics) IncrementTicks() {
	m.ticksProcessed.Add(1)
}

// IncrementAutoCloses counts stop-loss and take-profit closes.
func (m *SystemMetrics) IncrementAutoCloses() {
	m.autoCloses.Add(1)
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	m.errorsCount.Add(1)
}

// SetDroppedSource registers the event bus drop counter.
func (m *SystemMetrics) SetDroppedSource(fn func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busDropped = fn
}

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	PipelineLatency LatencyStats      `json:"pipeline_latency"`
	DBLatency       LatencyStats      `json:"db_latency"`
	SignalsReceived uint64            `json:"signals_received"`
	Executed        uint64            `json:"executed"`
	Rejected        uint64            `json:"rejected"`
	Errored         uint64            `json:"errored"`
	ByCode          map[string]uint64 `json:"by_code"`
	TicksProcessed  uint64            `json:"ticks_processed"`
	AutoCloses      uint64            `json:"auto_closes"`
	RecordsWritten  uint64            `json:"records_written"`
	ErrorsCount     uint64            `json:"errors_count"`
	EventsDropped   uint64            `json:"events_dropped"`
	GoroutineCount  int               `json:"goroutine_count"`
	HeapAlloc       uint64            `json:"heap_alloc_bytes"`
	HeapSys         uint64            `json:"heap_sys_bytes"`
	Timestamp       time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	codes := make(map[string]uint64, len(m.byCode))
	for c, n := range m.byCode {
		codes[string(c)] = n
	}
	dropped := m.busDropped
	m.mu.RUnlock()

	snap := MetricsSnapshot{
		PipelineLatency: m.PipelineLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		SignalsReceived: m.signalsReceived.Load(),
		Executed:        m.executed.Load(),
		Rejected:        m.rejected.Load(),
		Errored:         m.errored.Load(),
		ByCode:          codes,
		TicksProcessed:  m.ticksProcessed.Load(),
		AutoCloses:      m.autoCloses.Load(),
		RecordsWritten:  m.recordsWritten.Load(),
		ErrorsCount:     m.errorsCount.Load(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
	if dropped != nil {
		snap.EventsDropped = dropped()
	}
	return snap
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
