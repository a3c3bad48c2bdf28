package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"speechrnt-accel/pkg/defaults"
)

// Frame is one sampled view of accelerator health.
type Frame struct {
	Timestamp          time.Time `json:"timestamp"`
	MemoryUsedMiB      uint64    `json:"memory_used_mib"`
	MemoryTotalMiB     uint64    `json:"memory_total_mib"`
	MemoryPercent      float64   `json:"memory_percent"`
	UtilizationPercent float64   `json:"utilization_percent"`
	TemperatureC       float64   `json:"temperature_c"`
	ActiveSessions     int       `json:"active_sessions"`
	LoadedModels       int       `json:"loaded_models"`
	Translations       uint64    `json:"translations"`
	AverageLatencyMs   float64   `json:"average_latency_ms"`
	TotalProcessingMs  float64   `json:"total_processing_ms"`
	ThroughputPerSec   float64   `json:"throughput_per_sec"`
}

// Source produces frames on demand. The accelerator supervisor implements
// this over its registries and pools.
type Source interface {
	Sample() (Frame, error)
}

// Thresholds are the alert trip points, as percentages except temperature.
type Thresholds struct {
	MemoryPercent      float64 `json:"memory_percent"`
	UtilizationPercent float64 `json:"utilization_percent"`
	TemperatureC       float64 `json:"temperature_c"`
}

// DefaultThresholds returns the stock alert trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryPercent:      defaults.MemoryThresholdPct,
		UtilizationPercent: defaults.UtilizationThresholdPct,
		TemperatureC:       defaults.TemperatureThresholdC,
	}
}

// Monitor samples a Source at a fixed interval and keeps an hour of frames.
type Monitor struct {
	source   Source
	logger   *log.Logger
	interval time.Duration

	mu         sync.Mutex
	frames     []Frame
	head       int
	count      int
	thresholds Thresholds
	running    bool
	quit       chan struct{}
	done       chan struct{}

	memoryUsed  prometheus.Gauge
	utilization prometheus.Gauge
	temperature prometheus.Gauge
	sessions    prometheus.Gauge
	models      prometheus.Gauge
	samples     prometheus.Counter
}

// NewMonitor returns a stopped monitor with default thresholds. Metrics are
// registered on reg.
func NewMonitor(source Source, logger *log.Logger, reg prometheus.Registerer) *Monitor {
	factory := promauto.With(reg)

	return &Monitor{
		source:     source,
		logger:     logger,
		interval:   defaults.MonitorInterval,
		frames:     make([]Frame, defaults.HistoryCapacity),
		thresholds: DefaultThresholds(),
		memoryUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accel_memory_used_mib",
			Help: "Device memory in use, in MiB.",
		}),
		utilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accel_gpu_utilization_percent",
			Help: "GPU utilization percentage.",
		}),
		temperature: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accel_gpu_temperature_celsius",
			Help: "GPU temperature in degrees Celsius.",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accel_active_sessions",
			Help: "Number of live translation sessions.",
		}),
		models: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accel_loaded_models",
			Help: "Number of resident translation models.",
		}),
		samples: factory.NewCounter(prometheus.CounterOpts{
			Name: "accel_monitor_samples_total",
			Help: "Total health frames sampled.",
		}),
	}
}

// SetInterval overrides the sampling interval. Takes effect on next Start.
func (m *Monitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d > 0 {
		m.interval = d
	}
}

// SetThresholds replaces the alert trip points.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.thresholds = t
}

// Start launches the sampler goroutine. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.quit = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(m.quit, m.done, m.interval)

	m.logger.Debugf("Health monitor started at %s interval", m.interval)
}

// Stop halts the sampler and waits for it to exit. History is retained.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	quit, done := m.quit, m.done
	m.mu.Unlock()

	close(quit)
	<-done
}

// Running reports whether the sampler goroutine is live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Record pushes one frame into the ring. The sampler calls this; tests can
// call it directly to build history.
func (m *Monitor) Record(f Frame) {
	m.mu.Lock()
	m.frames[m.head] = f
	m.head = (m.head + 1) % len(m.frames)
	if m.count < len(m.frames) {
		m.count++
	}
	m.mu.Unlock()

	m.memoryUsed.Set(float64(f.MemoryUsedMiB))
	m.utilization.Set(f.UtilizationPercent)
	m.temperature.Set(f.TemperatureC)
	m.sessions.Set(float64(f.ActiveSessions))
	m.models.Set(float64(f.LoadedModels))
	m.samples.Inc()
}

// Reset clears the frame history. The sampler, if running, keeps going.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.head = 0
	m.count = 0
}

// Latest returns the most recent frame, if any has been sampled.
func (m *Monitor) Latest() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return Frame{}, false
	}

	return m.frames[(m.head-1+len(m.frames))%len(m.frames)], true
}

// History returns the most recent minutes' worth of frames, oldest first,
// clamped to what has been recorded.
func (m *Monitor) History(minutes int) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := minutes * 60
	if want <= 0 {
		return nil
	}
	if want > m.count {
		want = m.count
	}

	out := make([]Frame, 0, want)
	start := (m.head - want + len(m.frames)) % len(m.frames)
	for i := 0; i < want; i++ {
		out = append(out, m.frames[(start+i)%len(m.frames)])
	}

	return out
}

// Alerts evaluates the latest frame against the thresholds.
func (m *Monitor) Alerts() []string {
	f, ok := m.Latest()
	if !ok {
		return nil
	}

	m.mu.Lock()
	t := m.thresholds
	m.mu.Unlock()

	var alerts []string
	if f.MemoryPercent > t.MemoryPercent {
		alerts = append(alerts, fmt.Sprintf("memory: %.1f%% exceeds %.1f%%", f.MemoryPercent, t.MemoryPercent))
	}
	if f.UtilizationPercent > t.UtilizationPercent {
		alerts = append(alerts, fmt.Sprintf("utilization: %.1f%% exceeds %.1f%%", f.UtilizationPercent, t.UtilizationPercent))
	}
	if f.TemperatureC > t.TemperatureC {
		alerts = append(alerts, fmt.Sprintf("temperature: %.1fC exceeds %.1fC", f.TemperatureC, t.TemperatureC))
	}

	return alerts
}

func (m *Monitor) run(quit, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			f, err := m.source.Sample()
			if err != nil {
				m.logger.Warnf("Health sample failed: %v", err)
				continue
			}
			if f.Timestamp.IsZero() {
				f.Timestamp = time.Now()
			}
			m.Record(f)

			for _, a := range m.Alerts() {
				m.logger.Warnf("Health alert: %s", a)
			}
		}
	}
}
