package service

import (
	"sync"
	"time"
)

// Metrics tracks counters and timings for the core operations.
type Metrics struct {
	mu sync.RWMutex

	castStartTime time.Time
	castEndTime   time.Time
	castCount     int
	castTotalTime time.Duration
	duplicates    int
	rejected      int

	keyGenCount     int
	keyGenFailures  int
	keyGenTotalTime time.Duration

	anchorSuccesses int
	anchorFailures  int
	anchorDropped   int

	tallyStartTime time.Time
	tallyEndTime   time.Time
}

// OperationMetrics contains timing information for an operation.
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsSnapshot is the JSON view served by the API.
type MetricsSnapshot struct {
	Casts           OperationMetrics `json:"casts"`
	DuplicateVotes  int              `json:"duplicate_votes"`
	RejectedCasts   int              `json:"rejected_casts"`
	KeyGenerations  OperationMetrics `json:"key_generations"`
	KeyGenFailures  int              `json:"key_generation_failures"`
	AnchorSuccesses int              `json:"anchor_successes"`
	AnchorFailures  int              `json:"anchor_failures"`
	AnchorDropped   int              `json:"anchor_dropped"`
	Tally           OperationMetrics `json:"tally"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCast records a successful cast and how long it took.
func (m *Metrics) RecordCast(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.castCount == 0 {
		m.castStartTime = now
	}
	m.castCount++
	m.castEndTime = now
	m.castTotalTime += duration
}

func (m *Metrics) RecordDuplicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

// RecordRejected counts casts refused for any reason other than a duplicate.
func (m *Metrics) RecordRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *Metrics) RecordKeyGen(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.keyGenFailures++
		return
	}
	m.keyGenCount++
	m.keyGenTotalTime += duration
}

func (m *Metrics) RecordAnchor(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.anchorFailures++
		return
	}
	m.anchorSuccesses++
}

func (m *Metrics) RecordAnchorDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchorDropped++
}

func (m *Metrics) RecordTallyStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tallyStartTime = time.Now()
}

func (m *Metrics) RecordTallyEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tallyEndTime = time.Now()
}

// Snapshot returns the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tallyTime int64
	if !m.tallyEndTime.IsZero() {
		tallyTime = m.tallyEndTime.Sub(m.tallyStartTime).Milliseconds()
	}

	return MetricsSnapshot{
		Casts: OperationMetrics{
			StartTime:      m.castStartTime,
			EndTime:        m.castEndTime,
			Count:          m.castCount,
			ProcessingTime: m.castTotalTime.Milliseconds(),
		},
		DuplicateVotes: m.duplicates,
		RejectedCasts:  m.rejected,
		KeyGenerations: OperationMetrics{
			Count:          m.keyGenCount,
			ProcessingTime: m.keyGenTotalTime.Milliseconds(),
		},
		KeyGenFailures:  m.keyGenFailures,
		AnchorSuccesses: m.anchorSuccesses,
		AnchorFailures:  m.anchorFailures,
		AnchorDropped:   m.anchorDropped,
		Tally: OperationMetrics{
			StartTime:      m.tallyStartTime,
			EndTime:        m.tallyEndTime,
			ProcessingTime: tallyTime,
		},
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.castStartTime = time.Time{}
	m.castEndTime = time.Time{}
	m.castCount = 0
	m.castTotalTime = 0
	m.duplicates = 0
	m.rejected = 0

	m.keyGenCount = 0
	m.keyGenFailures = 0
	m.keyGenTotalTime = 0

	m.anchorSuccesses = 0
	m.anchorFailures = 0
	m.anchorDropped = 0

	m.tallyStartTime = time.Time{}
	m.tallyEndTime = time.Time{}
}
