package monitor

import (
	"sync"
	"time"
)

// Stats is a snapshot of the translation counters.
type Stats struct {
	Translations      uint64  `json:"translations"`
	Failures          uint64  `json:"failures"`
	BatchRuns         uint64  `json:"batch_runs"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
	TotalProcessingMs float64 `json:"total_processing_ms"`
	ThroughputPerSec  float64 `json:"throughput_per_sec"`
}

// Counters accumulates translation outcomes. The translator writes, the
// monitor and stats endpoints read.
type Counters struct {
	mu           sync.Mutex
	translations uint64
	failures     uint64
	batchRuns    uint64
	latencySum   time.Duration
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

// Record notes one translation attempt and its latency.
func (c *Counters) Record(latency time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok {
		c.translations++
		c.latencySum += latency
	} else {
		c.failures++
	}
}

// RecordBatch notes one batch run.
func (c *Counters) RecordBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchRuns++
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Translations:      c.translations,
		Failures:          c.failures,
		BatchRuns:         c.batchRuns,
		TotalProcessingMs: float64(c.latencySum) / float64(time.Millisecond),
	}
	if c.translations > 0 {
		s.AverageLatencyMs = s.TotalProcessingMs / float64(c.translations)
	}
	if c.latencySum > 0 {
		s.ThroughputPerSec = float64(c.translations) / c.latencySum.Seconds()
	}

	return s
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.translations = 0
	c.failures = 0
	c.batchRuns = 0
	c.latencySum = 0
}
