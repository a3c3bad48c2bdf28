package accel

import (
	"fmt"

	"speechrnt-accel/pkg/engine"
	"speechrnt-accel/pkg/memory"
)

// ConfigureMemoryPool resizes the pool. The hard cap stays at twice the
// initial size. When allocations are live the new geometry takes effect at
// the next reset instead of immediately.
func (a *Accelerator) ConfigureMemoryPool(initialMiB uint64, defragment bool) error {
	if initialMiB == 0 {
		return fmt.Errorf("memory pool size must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.MemoryPool.InitialMiB = initialMiB
	a.cfg.MemoryPool.MaxMiB = 2 * initialMiB
	a.cfg.MemoryPool.Defragment = defragment

	if !a.initialized || !a.gpuAvailable || a.pool == nil {
		return nil
	}

	if a.pool.UsedMiB() > 0 {
		a.logger.Info("Memory pool reconfigured, applies after next reset")
		return nil
	}

	a.pool.Close()
	pool, err := memory.NewPool(a.rt, a.logger, memory.Config{
		InitialMiB: initialMiB,
		MaxMiB:     2 * initialMiB,
		Defragment: defragment,
	})
	if err != nil {
		a.gpuAvailable = false
		return a.failLocked(fmt.Errorf("rebuilding memory pool: %w", err))
	}

	a.pool = pool
	a.models.Rebase(pool)

	return nil
}

// ConfigureQuantization sets the precision used for subsequent model loads.
// Already-resident models keep their precision.
func (a *Accelerator) ConfigureQuantization(enabled bool, precision engine.Precision) error {
	if enabled && !precision.Valid() {
		return fmt.Errorf("unknown precision %q", precision)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Quantization.Enabled = enabled
	a.cfg.Quantization.Precision = precision

	if a.models != nil {
		a.models.SetQuantization(enabled, precision)
	}

	return nil
}

// ConfigureBatching adjusts the batch limits.
func (a *Accelerator) ConfigureBatching(maxBatch, optimalBatch int) error {
	if maxBatch <= 0 || optimalBatch <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if optimalBatch > maxBatch {
		return fmt.Errorf("optimal batch %d exceeds maximum %d", optimalBatch, maxBatch)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Batching.MaxBatch = maxBatch
	a.cfg.Batching.OptimalBatch = optimalBatch

	return nil
}

// ConfigureStreams resizes the stream pool. Live sessions hold leases on
// streams the rebuild destroys, so they are ended and their model pins
// released first.
func (a *Accelerator) ConfigureStreams(concurrent bool, count int) error {
	if count < 0 {
		return fmt.Errorf("stream count must not be negative")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Streams.Concurrent = concurrent
	a.cfg.Streams.Count = count

	if !a.initialized || !a.gpuAvailable || a.streams == nil {
		return nil
	}

	for _, res := range a.sessions.InvalidateAll() {
		a.streams.Release(res.Stream)
		if err := a.models.Release(res.Model); err != nil {
			a.logger.Debugf("Session %s held a stale model handle: %v", res.ID, err)
		}
		a.logger.Infof("Ended session %s for stream pool rebuild", res.ID)
	}

	if err := a.streams.Rebuild(a.streamCountLocked()); err != nil {
		return a.failLocked(fmt.Errorf("rebuilding stream pool: %w", err))
	}

	return nil
}
