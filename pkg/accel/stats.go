package accel

import (
	"time"

	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/memory"
	"speechrnt-accel/pkg/monitor"
)

// Report bundles everything the stats surface exposes in one read.
type Report struct {
	GPUAvailable bool          `json:"gpu_available"`
	Device       int           `json:"device"`
	Counters     monitor.Stats `json:"counters"`
	Memory       memory.Stats  `json:"memory"`
	Sessions     int           `json:"sessions"`
	Models       int           `json:"models"`
	LastError    string        `json:"last_error,omitempty"`
}

// Sample implements monitor.Source over the accelerator's pools and
// counters.
func (a *Accelerator) Sample() (monitor.Frame, error) {
	a.mu.Lock()
	if !a.initialized || !a.gpuAvailable {
		a.mu.Unlock()
		return monitor.Frame{}, errors.ErrGPUUnavailable
	}
	pool, models, rt := a.pool, a.models, a.rt
	a.mu.Unlock()

	util, err := rt.Utilization()
	if err != nil {
		return monitor.Frame{}, err
	}
	temp, err := rt.Temperature()
	if err != nil {
		return monitor.Frame{}, err
	}

	stats := pool.Statistics()
	counters := a.counters.Snapshot()
	f := monitor.Frame{
		Timestamp:          time.Now(),
		MemoryUsedMiB:      stats.InUseMiB,
		MemoryTotalMiB:     stats.PoolMiB,
		UtilizationPercent: util,
		TemperatureC:       temp,
		ActiveSessions:     a.sessions.Count(),
		LoadedModels:       models.Count(),
		Translations:       counters.Translations,
		AverageLatencyMs:   counters.AverageLatencyMs,
		TotalProcessingMs:  counters.TotalProcessingMs,
		ThroughputPerSec:   counters.ThroughputPerSec,
	}
	if f.MemoryTotalMiB > 0 {
		f.MemoryPercent = float64(f.MemoryUsedMiB) / float64(f.MemoryTotalMiB) * 100
	}

	return f, nil
}

// StartMonitor launches periodic health sampling. A non-positive period
// keeps the current interval.
func (a *Accelerator) StartMonitor(period time.Duration) {
	a.monitor.SetInterval(period)
	a.monitor.Start()
}

// StopMonitor halts sampling, retaining history.
func (a *Accelerator) StopMonitor() {
	a.monitor.Stop()
}

// Stats returns a combined snapshot of counters, memory and registries.
func (a *Accelerator) Stats() Report {
	r := Report{
		GPUAvailable: a.GPUAvailable(),
		Device:       a.CurrentDevice(),
		Counters:     a.counters.Snapshot(),
		Sessions:     a.sessions.Count(),
		LastError:    a.LastError(),
	}

	a.mu.Lock()
	pool, models := a.pool, a.models
	a.mu.Unlock()

	if r.GPUAvailable && pool != nil {
		r.Memory = pool.Statistics()
	}
	if r.GPUAvailable && models != nil {
		r.Models = models.Count()
	}

	return r
}

// History returns the most recent minutes of sample frames, oldest first.
func (a *Accelerator) History(minutes int) []monitor.Frame {
	return a.monitor.History(minutes)
}

// Alerts evaluates the latest sample against the thresholds.
func (a *Accelerator) Alerts() []string {
	return a.monitor.Alerts()
}

// ResetStats zeroes the translation counters and clears sample history.
func (a *Accelerator) ResetStats() {
	a.counters.Reset()
	a.monitor.Reset()
}

// SetThresholds replaces the alert trip points.
func (a *Accelerator) SetThresholds(memoryPct, temperatureC, utilizationPct float64) {
	a.monitor.SetThresholds(monitor.Thresholds{
		MemoryPercent:      memoryPct,
		UtilizationPercent: utilizationPct,
		TemperatureC:       temperatureC,
	})

	a.mu.Lock()
	a.cfg.Thresholds.MemoryPct = memoryPct
	a.cfg.Thresholds.TemperatureC = temperatureC
	a.cfg.Thresholds.UtilizationPct = utilizationPct
	a.mu.Unlock()
}

// MonitorRunning reports whether the sampler is live.
func (a *Accelerator) MonitorRunning() bool {
	return a.monitor.Running()
}
