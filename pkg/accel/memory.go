package accel

import (
	"fmt"

	"speechrnt-accel/pkg/memory"
)

// Allocate carves miB mebibytes out of the device pool under a tag.
func (a *Accelerator) Allocate(miB uint64, tag string) (memory.Handle, error) {
	_, _, pool, err := a.guard()
	if err != nil {
		return 0, err
	}

	h, err := pool.Allocate(miB*1024*1024, tag)
	if err != nil {
		return 0, a.fail(fmt.Errorf("allocating %dMiB: %w", miB, err))
	}

	return h, nil
}

// Free returns an allocation to the pool.
func (a *Accelerator) Free(h memory.Handle) {
	_, _, pool, err := a.guard()
	if err != nil {
		return
	}

	pool.Free(h)
}

// FreeAll unloads every model and releases every unleased pool page.
func (a *Accelerator) FreeAll() {
	models, _, pool, err := a.guard()
	if err != nil {
		return
	}

	models.InvalidateAll()
	pool.ForceCleanup()
}

// AvailableMiB returns the free pool space plus growth headroom.
func (a *Accelerator) AvailableMiB() uint64 {
	_, _, pool, err := a.guard()
	if err != nil {
		return 0
	}

	return pool.AvailableMiB()
}

// UsedMiB returns the pool space currently allocated.
func (a *Accelerator) UsedMiB() uint64 {
	_, _, pool, err := a.guard()
	if err != nil {
		return 0
	}

	return pool.UsedMiB()
}

// HasMiB reports whether an allocation of miB would fit.
func (a *Accelerator) HasMiB(miB uint64) bool {
	_, _, pool, err := a.guard()
	if err != nil {
		return false
	}

	return pool.Has(miB)
}

// MemoryStats returns the pool's counters.
func (a *Accelerator) MemoryStats() memory.Stats {
	_, _, pool, err := a.guard()
	if err != nil {
		return memory.Stats{}
	}

	return pool.Statistics()
}

// Optimize defragments the pool and evicts idle models. Expired sessions
// are swept first so their model pins do not block eviction.
func (a *Accelerator) Optimize() bool {
	models, _, _, err := a.guard()
	if err != nil {
		return false
	}

	a.sweepSessions()

	return models.Optimize()
}
