package accel

import (
	"fmt"

	"speechrnt-accel/pkg/device"
	"speechrnt-accel/pkg/errors"
)

// IsOperational reports whether GPU-backed calls can currently succeed.
func (a *Accelerator) IsOperational() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.initialized && a.gpuAvailable
}

// LastError returns the most recent diagnostic recorded by any operation.
func (a *Accelerator) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastErr
}

// EnableCPUFallback sets whether a failed recovery degrades to CPU-only
// operation instead of leaving the accelerator wedged.
func (a *Accelerator) EnableCPUFallback(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cpuFallback = enabled
}

// CPUFallbackEnabled reports the fallback policy.
func (a *Accelerator) CPUFallbackEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cpuFallback
}

// HandleError records the diagnostic and attempts recovery by resetting the
// device. If the reset fails and CPU fallback is enabled, all GPU state is
// released and subsequent GPU calls fail fast. Returns true when recovered.
func (a *Accelerator) HandleError(msg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastErr = msg
	a.logger.Errorf("Accelerator error: %s", msg)

	if !a.initialized {
		return false
	}

	err := a.resetLocked()
	if err == nil {
		a.logger.Info("Recovered by device reset")
		return true
	}
	a.logger.Warnf("Device reset failed: %v", err)

	if a.cpuFallback {
		a.fallbackLocked(msg)
	} else {
		a.gpuAvailable = false
	}

	return false
}

// FallbackToCPU abandons the GPU: frees every model and pool page and marks
// the accelerator CPU-only until the next SelectDevice.
func (a *Accelerator) FallbackToCPU(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fallbackLocked(reason)
}

// ResetDevice tears down the device context and rebuilds the pools on it.
// Every outstanding model and session handle is invalidated.
func (a *Accelerator) ResetDevice() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return a.failLocked(errors.ErrNotInitialized)
	}

	if err := a.resetLocked(); err != nil {
		return a.failLocked(err)
	}

	return nil
}

func (a *Accelerator) resetLocked() error {
	if a.devices == nil {
		return errors.ErrGPUUnavailable
	}

	id := a.devices.Current()
	if id == device.None {
		return errors.ErrGPUUnavailable
	}

	// Outstanding handles go stale here: sessions first, then models, so
	// nothing references the streams and pool being destroyed.
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

	if err := a.rt.DeviceReset(); err != nil {
		a.gpuAvailable = false
		return errors.NewRuntimeError("device reset", err.Error())
	}

	if err := a.devices.Rediscover(); err != nil {
		a.gpuAvailable = false
		return errors.NewRuntimeError("rediscovery", err.Error())
	}

	if !a.devices.Validate(id) {
		id = a.devices.Best()
	}
	if id == device.None {
		a.gpuAvailable = false
		return errors.ErrGPUUnavailable
	}

	if err := a.devices.Select(id); err != nil {
		a.gpuAvailable = false
		return fmt.Errorf("reselecting device %d: %w", id, err)
	}
	if err := a.buildPoolsLocked(); err != nil {
		a.gpuAvailable = false
		return err
	}

	a.gpuAvailable = true
	a.logger.Infof("Device %d reset and pools rebuilt", id)

	return nil
}

func (a *Accelerator) fallbackLocked(reason string) {
	a.lastErr = reason
	a.teardownLocked()

	a.logger.Warnf("Falling back to CPU: %s", reason)
}
