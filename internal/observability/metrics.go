// Package observability tracks per-step call spans for the SAGA worker:
// how many times each orchestrator step (saga.reserve, saga.charge,
// saga.confirm, SubmitOrder) ran, how many failed, how long they took, and
// how much of that time was spent asleep in a step's own retry backoff
// rather than doing work, surfaced as JSON over /metrics.
package observability

import (
	"sync"
	"time"
)

// MethodSnapshot is one SAGA step's or RPC's call-span counters.
type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the worker-wide metrics view exposed at /metrics.
// RetryBackoffWaits/RetryBackoffMs total the time every retrying SAGA
// step (reserve, charge, confirm) spent sleeping between attempts per
// saga.RetryPolicy.Do, distinct from the latency already counted against
// the step's own MethodSnapshot.
type Snapshot struct {
	UptimeSec         int64                     `json:"uptime_sec"`
	TotalRequests     int64                     `json:"total_requests"`
	TotalErrors       int64                     `json:"total_errors"`
	InFlight          int64                     `json:"in_flight"`
	RetryBackoffWaits int64                     `json:"retry_backoff_waits"`
	RetryBackoffMs    int64                     `json:"retry_backoff_ms"`
	Lifecycle         *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods           map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is the worker's call-span tracker, shared across every order the
// workerpool runs concurrently.
type Metrics struct {
	mu                sync.Mutex
	start             time.Time
	methods           map[string]*methodStats
	retryBackoffWaits int64
	retryBackoffWait  time.Duration
	lifecycle         lifecycleStats
}

// CallSpan tracks one in-flight call, from Metrics.Start to CallSpan.End.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

// LifecycleSnapshot records the moment the worker's HTTP server began a
// graceful shutdown and the in-flight count passed to MarkShutdown.
// cmd/saga-worker does not count in-flight orders and passes 0.
type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		methods: make(map[string]*methodStats),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// AddRetryBackoffWait records time a step spent asleep in its own
// saga.RetryPolicy.Do backoff, called from the orchestrator's retry Sleep
// hook between failed attempts.
func (m *Metrics) AddRetryBackoffWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.retryBackoffWaits++
	m.retryBackoffWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:         int64(now.Sub(m.start).Seconds()),
		Methods:           make(map[string]MethodSnapshot),
		RetryBackoffWaits: m.retryBackoffWaits,
		RetryBackoffMs:    int64(m.retryBackoffWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
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

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
