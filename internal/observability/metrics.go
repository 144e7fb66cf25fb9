package observability

import (
	"sync"
	"time"
)

// StepSnapshot summarizes one saga step's forward executions.
type StepSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is one point-in-time view of coordinator activity.
type Snapshot struct {
	UptimeSec            int64                   `json:"uptime_sec"`
	SagasSucceeded       int64                   `json:"sagas_succeeded"`
	SagasCompensated     int64                   `json:"sagas_compensated"`
	CompensationFailures int64                   `json:"compensation_failures"`
	UnknownStepSkips     int64                   `json:"unknown_step_skips"`
	OutboxPublished      int64                   `json:"outbox_published"`
	OutboxFailures       int64                   `json:"outbox_failures"`
	CouponsIssued        int64                   `json:"coupons_issued"`
	Steps                map[string]StepSnapshot `json:"steps"`
}

type stepStats struct {
	count        int64
	errors       int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics collects coordinator counters for the snapshot endpoint.
type Metrics struct {
	mu    sync.Mutex
	start time.Time
	steps map[string]*stepStats

	sagasSucceeded       int64
	sagasCompensated     int64
	compensationFailures int64
	unknownStepSkips     int64
	outboxPublished      int64
	outboxFailures       int64
	couponsIssued        int64
}

// NewMetrics constructs an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		start: time.Now(),
		steps: make(map[string]*stepStats),
	}
}

// StepSpan tracks one step execution's latency.
type StepSpan struct {
	metrics *Metrics
	step    string
	start   time.Time
}

// StartStep opens a latency span for a step execution.
func (m *Metrics) StartStep(step string) *StepSpan {
	if m == nil {
		return &StepSpan{}
	}
	return &StepSpan{metrics: m, step: step, start: time.Now()}
}

// End closes the span, recording latency and error outcome.
func (s *StepSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)

	m := s.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.steps[s.step]
	if stats == nil {
		stats = &stepStats{}
		m.steps[s.step] = stats
	}
	stats.count++
	if err != nil {
		stats.errors++
	}
	stats.totalLatency += dur
	stats.lastLatency = dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
}

// SagaSucceeded counts one fully-forward saga run.
func (m *Metrics) SagaSucceeded(steps int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagasSucceeded++
	m.mu.Unlock()
}

// SagaCompensated counts one saga run that entered compensation.
func (m *Metrics) SagaCompensated(executed int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagasCompensated++
	m.mu.Unlock()
}

// CompensationFailed counts one compensation that exhausted its retries.
func (m *Metrics) CompensationFailed(step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.compensationFailures++
	m.mu.Unlock()
}

// UnknownStepSkipped counts a recorded step name with no implementation.
// The compensation loop skips these quietly, so this counter is the only
// place they surface.
func (m *Metrics) UnknownStepSkipped(step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.unknownStepSkips++
	m.mu.Unlock()
}

// OutboxPublished counts one broker-acknowledged delivery.
func (m *Metrics) OutboxPublished() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outboxPublished++
	m.mu.Unlock()
}

// OutboxAttemptFailed counts one failed delivery attempt.
func (m *Metrics) OutboxAttemptFailed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outboxFailures++
	m.mu.Unlock()
}

// CouponIssued counts one successful coupon grant.
func (m *Metrics) CouponIssued() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.couponsIssued++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:            int64(time.Since(m.start).Seconds()),
		SagasSucceeded:       m.sagasSucceeded,
		SagasCompensated:     m.sagasCompensated,
		CompensationFailures: m.compensationFailures,
		UnknownStepSkips:     m.unknownStepSkips,
		OutboxPublished:      m.outboxPublished,
		OutboxFailures:       m.outboxFailures,
		CouponsIssued:        m.couponsIssued,
		Steps:                make(map[string]StepSnapshot, len(m.steps)),
	}

	for step, stats := range m.steps {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Steps[step] = StepSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
	}
	return snap
}
