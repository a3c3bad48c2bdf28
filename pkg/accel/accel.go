// Package accel is the inference coordinator for the speech translation
// pipeline. It owns the device registry, memory pool, stream pool, model
// cache and session table, and exposes the translation surface the pipeline
// calls into.
package accel

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"speechrnt-accel/pkg/config"
	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/device"
	"speechrnt-accel/pkg/engine"
	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/memory"
	"speechrnt-accel/pkg/model"
	"speechrnt-accel/pkg/monitor"
	"speechrnt-accel/pkg/session"
	"speechrnt-accel/pkg/stream"
)

// Accelerator coordinates GPU-backed translation. All methods are safe for
// concurrent use.
type Accelerator struct {
	rt     cuda.Runtime
	eng    engine.Engine
	fs     afero.Fs
	logger *log.Logger

	mu           sync.Mutex
	cfg          config.Config
	initialized  bool
	gpuAvailable bool
	cpuFallback  bool
	lastErr      string

	devices  *device.Registry
	pool     *memory.Pool
	streams  *stream.Pool
	models   *model.Cache
	sessions *session.Table
	counters *monitor.Counters
	monitor  *monitor.Monitor
}

// New wires an accelerator over the given runtime and engine. Init must be
// called before use.
func New(cfg config.Config, rt cuda.Runtime, eng engine.Engine, fs afero.Fs, logger *log.Logger, reg prometheus.Registerer) (*Accelerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	a := &Accelerator{
		rt:          rt,
		eng:         eng,
		fs:          fs,
		logger:      logger,
		cfg:         cfg,
		cpuFallback: cfg.Fallback.CPUEnabled,
		sessions:    session.NewTable(logger),
		counters:    monitor.NewCounters(),
	}

	a.monitor = monitor.NewMonitor(a, logger, reg)
	a.monitor.SetThresholds(monitor.Thresholds{
		MemoryPercent:      cfg.Thresholds.MemoryPct,
		UtilizationPercent: cfg.Thresholds.UtilizationPct,
		TemperatureC:       cfg.Thresholds.TemperatureC,
	})

	return a, nil
}

// Init discovers devices and brings up the GPU-backed pools. A host with no
// compatible device initializes successfully into a no-GPU state.
func (a *Accelerator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return nil
	}

	devices, err := device.NewRegistry(a.rt, a.logger)
	if err != nil {
		a.logger.Warnf("GPU runtime unavailable: %v", err)
		a.devices = nil
		a.initialized = true
		a.gpuAvailable = false
		return nil
	}
	a.devices = devices

	best := devices.Best()
	if best == device.None {
		a.logger.Warn("No compatible GPU found, running without acceleration")
		a.initialized = true
		a.gpuAvailable = false
		return nil
	}

	if err := devices.Select(best); err != nil {
		return a.failLocked(fmt.Errorf("selecting device %d: %w", best, err))
	}

	if err := a.buildPoolsLocked(); err != nil {
		devices.Deselect()
		return a.failLocked(err)
	}

	a.initialized = true
	a.gpuAvailable = true

	info, _ := devices.CurrentInfo()
	a.logger.Infof("Accelerator initialized on device %d (%s)", info.ID, info.Name)

	return nil
}

// Cleanup stops the monitor and tears down every GPU resource. Idempotent.
func (a *Accelerator) Cleanup() {
	a.monitor.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return
	}

	a.teardownLocked()
	a.initialized = false

	a.logger.Info("Accelerator cleaned up")
}

// GPUAvailable reports whether a compatible device is selected and usable.
func (a *Accelerator) GPUAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.initialized && a.gpuAvailable
}

// Initialized reports whether Init has completed.
func (a *Accelerator) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.initialized
}

// ListDevices returns every discovered device, compatible or not.
func (a *Accelerator) ListDevices() []device.Info {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()

	if devices == nil {
		return nil
	}

	return devices.List()
}

// CurrentDevice returns the selected device id, or device.None.
func (a *Accelerator) CurrentDevice() int {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()

	if devices == nil {
		return device.None
	}

	return devices.Current()
}

// CurrentDeviceInfo returns the selected device's description.
func (a *Accelerator) CurrentDeviceInfo() (device.Info, bool) {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()

	if devices == nil {
		return device.Info{}, false
	}

	return devices.CurrentInfo()
}

// BestDevice returns the id of the highest-scoring compatible device.
func (a *Accelerator) BestDevice() int {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()

	if devices == nil {
		return device.None
	}

	return devices.Best()
}

// ValidateDevice reports whether the id names a compatible device.
func (a *Accelerator) ValidateDevice(id int) bool {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()

	if devices == nil {
		return false
	}

	return devices.Validate(id)
}

// SelectDevice switches the accelerator to the given device, rebuilding the
// pools on it.
func (a *Accelerator) SelectDevice(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return a.failLocked(errors.ErrNotInitialized)
	}
	if a.devices == nil || !a.devices.Validate(id) {
		return a.failLocked(fmt.Errorf("device %d: %w", id, errors.ErrInvalidDevice))
	}
	if a.devices.Current() == id {
		return nil
	}

	a.teardownLocked()

	if err := a.devices.Select(id); err != nil {
		return a.failLocked(err)
	}
	if err := a.buildPoolsLocked(); err != nil {
		return a.failLocked(err)
	}

	a.gpuAvailable = true
	a.logger.Infof("Switched to device %d", id)

	return nil
}

// buildPoolsLocked constructs the memory pool, stream pool and model cache
// on the currently selected device.
func (a *Accelerator) buildPoolsLocked() error {
	pool, err := memory.NewPool(a.rt, a.logger, memory.Config{
		InitialMiB: a.cfg.MemoryPool.InitialMiB,
		MaxMiB:     a.cfg.MemoryPool.MaxMiB,
		Defragment: a.cfg.MemoryPool.Defragment,
	})
	if err != nil {
		return fmt.Errorf("building memory pool: %w", err)
	}

	streams, err := stream.NewPool(a.rt, a.logger, a.streamCountLocked())
	if err != nil {
		pool.Close()
		return fmt.Errorf("building stream pool: %w", err)
	}

	a.pool = pool
	a.streams = streams

	// Reuse the cache across rebuilds so handles issued before a reset stay
	// stale instead of aliasing freshly loaded models.
	if a.models == nil {
		a.models = model.NewCache(a.fs, a.eng, pool, a.logger)
	} else {
		a.models.Rebase(pool)
	}
	a.models.SetQuantization(a.cfg.Quantization.Enabled, a.cfg.Quantization.Precision)

	return nil
}

// teardownLocked drops every session, model, stream and pool page. The
// registry survives; the caller decides whether to deselect.
func (a *Accelerator) teardownLocked() {
	a.sessions.InvalidateAll()
	if a.models != nil {
		a.models.InvalidateAll()
	}
	if a.streams != nil {
		a.streams.Destroy()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.devices != nil {
		a.devices.Deselect()
	}
	a.gpuAvailable = false
}

func (a *Accelerator) streamCountLocked() int {
	if !a.cfg.Streams.Concurrent {
		return 0
	}

	return a.cfg.Streams.Count
}

// guard returns the GPU-backed collaborators, failing fast when the GPU is
// not usable.
func (a *Accelerator) guard() (*model.Cache, *stream.Pool, *memory.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return nil, nil, nil, a.failLocked(errors.ErrNotInitialized)
	}
	if !a.gpuAvailable {
		return nil, nil, nil, a.failLocked(errors.ErrGPUUnavailable)
	}

	return a.models, a.streams, a.pool, nil
}

// fail records err as the last error and returns it.
func (a *Accelerator) fail(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.failLocked(err)
}

func (a *Accelerator) failLocked(err error) error {
	if err != nil {
		a.lastErr = err.Error()
	}

	return err
}
