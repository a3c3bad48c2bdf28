package monitor

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)

	return logger
}

type fakeSource struct {
	mu     sync.Mutex
	frame  Frame
	err    error
	called int
}

func (s *fakeSource) Sample() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.called++

	return s.frame, s.err
}

func newTestMonitor(source Source) *Monitor {
	return NewMonitor(source, testLogger(), prometheus.NewRegistry())
}

func TestCountersMeanLatency(t *testing.T) {
	c := NewCounters()

	c.Record(100*time.Millisecond, true)
	c.Record(300*time.Millisecond, true)
	c.Record(0, false)

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.Translations)
	assert.Equal(t, uint64(1), s.Failures)
	assert.InDelta(t, 200, s.AverageLatencyMs, 0.01)
	assert.InDelta(t, 400, s.TotalProcessingMs, 0.01)
	// 2 translations over 0.4s of processing time.
	assert.InDelta(t, 5.0, s.ThroughputPerSec, 0.01)

	c.Reset()
	s = c.Snapshot()
	assert.Zero(t, s.Translations)
	assert.Zero(t, s.AverageLatencyMs)
	assert.Zero(t, s.TotalProcessingMs)
	assert.Zero(t, s.ThroughputPerSec)
}

func TestCountersKeepSubMillisecondLatency(t *testing.T) {
	c := NewCounters()

	c.Record(200*time.Microsecond, true)
	c.Record(600*time.Microsecond, true)

	s := c.Snapshot()
	assert.InDelta(t, 0.4, s.AverageLatencyMs, 0.001)
	assert.InDelta(t, 0.8, s.TotalProcessingMs, 0.001)
}

func TestRecordAndLatest(t *testing.T) {
	m := newTestMonitor(&fakeSource{})

	_, ok := m.Latest()
	assert.False(t, ok)

	m.Record(Frame{UtilizationPercent: 10})
	m.Record(Frame{UtilizationPercent: 20})

	f, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 20.0, f.UtilizationPercent)
}

func TestHistoryClampsToRecorded(t *testing.T) {
	m := newTestMonitor(&fakeSource{})

	for i := 0; i < 90; i++ {
		m.Record(Frame{UtilizationPercent: float64(i)})
	}

	// One minute is 60 frames, oldest first.
	h := m.History(1)
	require.Len(t, h, 60)
	assert.Equal(t, 30.0, h[0].UtilizationPercent)
	assert.Equal(t, 89.0, h[59].UtilizationPercent)

	// Asking for more than recorded returns all 90.
	h = m.History(10)
	assert.Len(t, h, 90)

	assert.Empty(t, m.History(0))
}

func TestHistoryRingWraps(t *testing.T) {
	m := newTestMonitor(&fakeSource{})

	for i := 0; i < 4000; i++ {
		m.Record(Frame{Translations: uint64(i)})
	}

	h := m.History(120)
	require.Len(t, h, 3600)
	assert.Equal(t, uint64(400), h[0].Translations)
	assert.Equal(t, uint64(3999), h[3599].Translations)
}

func TestAlertsFormat(t *testing.T) {
	m := newTestMonitor(&fakeSource{})
	m.SetThresholds(Thresholds{MemoryPercent: 80, UtilizationPercent: 90, TemperatureC: 85})

	m.Record(Frame{MemoryPercent: 92.5, UtilizationPercent: 50, TemperatureC: 91})

	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "memory: 92.5% exceeds 80.0%", alerts[0])
	assert.Equal(t, "temperature: 91.0C exceeds 85.0C", alerts[1])
}

func TestNoAlertsBelowThresholds(t *testing.T) {
	m := newTestMonitor(&fakeSource{})

	m.Record(Frame{MemoryPercent: 10, UtilizationPercent: 10, TemperatureC: 40})

	assert.Empty(t, m.Alerts())
}

func TestStartIsIdempotentAndStopJoins(t *testing.T) {
	src := &fakeSource{frame: Frame{UtilizationPercent: 5}}

	m := newTestMonitor(src)
	m.SetInterval(time.Millisecond)

	m.Start()
	m.Start()
	assert.True(t, m.Running())

	require.Eventually(t, func() bool {
		_, ok := m.Latest()
		return ok
	}, time.Second, time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())

	// Stopping twice is safe.
	m.Stop()

	// History survives the stop.
	_, ok := m.Latest()
	assert.True(t, ok)
}

func TestSampleErrorsAreSkipped(t *testing.T) {
	src := &fakeSource{err: assert.AnError}

	m := newTestMonitor(src)
	m.SetInterval(time.Millisecond)

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.called > 2
	}, time.Second, time.Millisecond)

	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	m := newTestMonitor(&fakeSource{})

	m.Record(Frame{})
	m.Reset()

	_, ok := m.Latest()
	assert.False(t, ok)
	assert.Empty(t, m.History(60))
}
