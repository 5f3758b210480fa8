package observability

import (
	"sync"
	"time"
)

// OperationSnapshot summarizes one named operation: an HTTP route, a gRPC
// method, a consumer or a relay batch.
type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                        `json:"uptime_sec"`
	TotalCalls      int64                        `json:"total_calls"`
	TotalErrors     int64                        `json:"total_errors"`
	InFlight        int64                        `json:"in_flight"`
	RateLimitWaits  int64                        `json:"rate_limit_waits"`
	RateLimitWaitMs int64                        `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot           `json:"lifecycle,omitempty"`
	Operations      map[string]OperationSnapshot `json:"operations"`
	Counters        map[string]int64             `json:"counters"`
	Gauges          map[string]int64             `json:"gauges"`
}

type operationStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is an in-process registry served as JSON on the metrics port.
// All methods are safe on a nil receiver so callers can leave it unset.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	operations     map[string]*operationStats
	counters       map[string]int64
	gauges         map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	name    string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		operations: make(map[string]*operationStats),
		counters:   make(map[string]int64),
		gauges:     make(map[string]int64),
	}
}

// Start opens a timed call for the named operation.
func (m *Metrics) Start(name string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOperation(name)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		name:    name,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.name, time.Since(s.start), err != nil)
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add adds delta to the named counter.
func (m *Metrics) Add(name string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

// SetGauge records the latest value of a level such as the outbox backlog
// or the projection checkpoint.
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Operations:      make(map[string]OperationSnapshot, len(m.operations)),
		Counters:        make(map[string]int64, len(m.counters)),
		Gauges:          make(map[string]int64, len(m.gauges)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for name, stats := range m.operations {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[name] = OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	for name, v := range m.counters {
		snap.Counters[name] = v
	}
	for name, v := range m.gauges {
		snap.Gauges[name] = v
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureOperation(name string) *operationStats {
	stats, ok := m.operations[name]
	if !ok {
		stats = &operationStats{}
		m.operations[name] = stats
	}
	return stats
}

func (m *Metrics) finish(name string, dur time.Duration, failed bool) {
	m.mu.Lock()
	stats := m.ensureOperation(name)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

// MarkShutdown records when draining began and how much work was in flight.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

// InFlight returns the number of calls currently open across operations.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, stats := range m.operations {
		total += stats.inFlight
	}
	return total
}
