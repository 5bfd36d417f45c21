package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertCodeFailureSpike  AlertType = "code_failure_spike"
	AlertHashMismatchSpike AlertType = "hash_mismatch_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for second-factor code failures.
	codeFailures  []time.Time
	codeWindow    time.Duration
	codeThreshold int

	// Sliding window for certificate hash mismatches. A mismatch means a
	// certificate that chains to the authority but differs from the issued
	// bytes, so the threshold is much lower.
	mismatches        []time.Time
	mismatchWindow    time.Duration
	mismatchThreshold int

	alertFn AlertFunc
}

const (
	defaultCodeFailureWindow    = 1 * time.Minute
	defaultCodeFailureThreshold = 50
	defaultMismatchWindow       = 5 * time.Minute
	defaultMismatchThreshold    = 3
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		codeWindow:        defaultCodeFailureWindow,
		codeThreshold:     defaultCodeFailureThreshold,
		mismatchWindow:    defaultMismatchWindow,
		mismatchThreshold: defaultMismatchThreshold,
		alertFn:           alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditCodeFailure:
		m.recordCodeFailure()
	case AuditHashMismatch:
		m.recordMismatch()
	}
}

func (m *metricsCollector) recordCodeFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.codeFailures = append(m.codeFailures, now)
	m.codeFailures = trimWindow(m.codeFailures, now, m.codeWindow)

	if len(m.codeFailures) >= m.codeThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertCodeFailureSpike,
			Message:   "second-factor code failure rate exceeds threshold",
			Count:     len(m.codeFailures),
			Threshold: m.codeThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.codeFailures = m.codeFailures[:0]
	}
}

func (m *metricsCollector) recordMismatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.mismatches = append(m.mismatches, now)
	m.mismatches = trimWindow(m.mismatches, now, m.mismatchWindow)

	if len(m.mismatches) >= m.mismatchThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertHashMismatchSpike,
			Message:   "certificate content mismatch rate exceeds threshold",
			Count:     len(m.mismatches),
			Threshold: m.mismatchThreshold,
			Timestamp: now,
		})
		m.mismatches = m.mismatches[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
