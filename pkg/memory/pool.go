package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/errors"
)

const alignment = 256

// Handle is an opaque reference to a pool allocation. Zero is never valid.
type Handle uint64

// Config configures the pool.
type Config struct {
	InitialMiB uint64
	MaxMiB     uint64
	Defragment bool
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	PoolMiB      uint64 `json:"pool_mib"`
	InUseMiB     uint64 `json:"in_use_mib"`
	FreeMiB      uint64 `json:"free_mib"`
	PeakInUseMiB uint64 `json:"peak_in_use_mib"`
	Allocations  uint64 `json:"allocations"`
	Frees        uint64 `json:"frees"`
	Defrags      uint64 `json:"defrags"`
}

// Pool is a slab arena over device memory. Large slabs are carved into
// blocks with best-fit placement; freeing merges adjacent blocks. When
// defragmentation is disabled the pool is a passthrough over the runtime
// allocator.
type Pool struct {
	rt     cuda.Runtime
	logger *log.Logger
	cfg    Config

	mu         sync.Mutex
	arenas     []*arena
	byHandle   map[Handle]*block
	direct     map[Handle]directAlloc
	directMiB  uint64
	nextHandle Handle
	stats      Stats
	now        func() time.Time
}

type arena struct {
	base cuda.DevicePtr
	size uint64
	// blocks are sorted by offset and tile the arena completely.
	blocks []*block
}

type block struct {
	owner    *arena
	off      uint64
	size     uint64
	inUse    bool
	tag      string
	handle   Handle
	lastUsed time.Time
}

type directAlloc struct {
	ptr   cuda.DevicePtr
	bytes uint64
}

// NewPool allocates the initial slab and returns the pool.
func NewPool(rt cuda.Runtime, logger *log.Logger, cfg Config) (*Pool, error) {
	if cfg.MaxMiB < cfg.InitialMiB {
		cfg.MaxMiB = cfg.InitialMiB * 2
	}

	p := &Pool{
		rt:         rt,
		logger:     logger,
		cfg:        cfg,
		byHandle:   make(map[Handle]*block),
		direct:     make(map[Handle]directAlloc),
		nextHandle: 1,
		now:        time.Now,
	}

	if !cfg.Defragment {
		logger.Info("Memory pool defragmentation disabled, using passthrough allocation")
		return p, nil
	}

	if err := p.addArena(cfg.InitialMiB * 1024 * 1024); err != nil {
		return nil, fmt.Errorf("allocating initial pool slab: %w", err)
	}

	logger.Infof("Memory pool initialized with %dMiB (cap %dMiB)", cfg.InitialMiB, cfg.MaxMiB)

	return p, nil
}

// Allocate reserves bytes from the pool under the given tag.
func (p *Pool) Allocate(bytes uint64, tag string) (Handle, error) {
	if bytes == 0 {
		return 0, fmt.Errorf("zero-size allocation: %w", errors.ErrOutOfMemory)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Defragment {
		return p.allocateDirect(bytes, tag)
	}

	aligned := alignUp(bytes)

	b := p.bestFit(aligned)
	if b == nil {
		p.mergeAll()
		b = p.bestFit(aligned)
	}
	if b == nil {
		if err := p.grow(aligned); err != nil {
			return 0, fmt.Errorf("allocating %d bytes (%s): %w", bytes, tag, errors.ErrOutOfMemory)
		}
		b = p.bestFit(aligned)
	}
	if b == nil {
		return 0, fmt.Errorf("allocating %d bytes (%s): %w", bytes, tag, errors.ErrOutOfMemory)
	}

	p.split(b, aligned)

	b.inUse = true
	b.tag = tag
	b.handle = p.nextHandle
	b.lastUsed = p.now()
	p.nextHandle++
	p.byHandle[b.handle] = b

	p.stats.Allocations++
	if used := p.inUseBytes(); used/(1024*1024) > p.stats.PeakInUseMiB {
		p.stats.PeakInUseMiB = used / (1024 * 1024)
	}

	p.logger.Debugf("Pool allocated %d bytes for %q", bytes, tag)

	return b.handle, nil
}

// Free returns an allocation to the pool. Unknown handles are a no-op.
func (p *Pool) Free(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.direct[h]; ok {
		if err := p.rt.Free(d.ptr); err != nil {
			p.logger.Warnf("Freeing passthrough allocation: %v", err)
		}
		p.directMiB -= d.bytes / (1024 * 1024)
		delete(p.direct, h)
		p.stats.Frees++
		return
	}

	b, ok := p.byHandle[h]
	if !ok {
		return
	}

	delete(p.byHandle, h)
	b.inUse = false
	b.tag = ""
	b.handle = 0
	b.lastUsed = p.now()
	p.stats.Frees++

	p.mergeArena(b.owner)
}

// Defragment merges adjacent free blocks and releases wholly-free growth
// slabs back to the runtime. Leased blocks are never moved. Returns true if
// anything changed.
func (p *Pool) Defragment() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Defragment {
		return false
	}

	changed := p.mergeAll()
	changed = p.releaseFreeArenas() || changed

	if changed {
		p.stats.Defrags++
		p.logger.Debug("Memory pool defragmented")
	}

	return changed
}

// ForceCleanup releases all unleased pages: free blocks are merged and every
// wholly-free growth slab is returned to the runtime.
func (p *Pool) ForceCleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mergeAll()
	p.releaseFreeArenas()
}

// Close frees every slab and passthrough allocation. Callers must have
// released all leases first; remaining leases are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for h, d := range p.direct {
		if err := p.rt.Free(d.ptr); err != nil {
			p.logger.Warnf("Freeing passthrough allocation: %v", err)
		}
		delete(p.direct, h)
	}
	p.directMiB = 0

	for _, a := range p.arenas {
		if err := p.rt.Free(a.base); err != nil {
			p.logger.Warnf("Freeing pool slab: %v", err)
		}
	}
	p.arenas = nil
	p.byHandle = make(map[Handle]*block)
}

// AvailableMiB returns the free pool capacity plus growth headroom.
func (p *Pool) AvailableMiB() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Defragment {
		if p.cfg.MaxMiB > p.directMiB {
			return p.cfg.MaxMiB - p.directMiB
		}
		return 0
	}

	free := p.freeBytes() / (1024 * 1024)
	if headroom := p.cfg.MaxMiB - p.poolMiB(); headroom > 0 {
		free += headroom
	}

	return free
}

// UsedMiB returns the leased pool capacity.
func (p *Pool) UsedMiB() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Defragment {
		return p.directMiB
	}

	return p.inUseBytes() / (1024 * 1024)
}

// Has reports whether miB can currently be satisfied.
func (p *Pool) Has(miB uint64) bool {
	return p.AvailableMiB() >= miB
}

// Statistics returns a snapshot of pool accounting.
func (p *Pool) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.PoolMiB = p.poolMiB()
	s.InUseMiB = p.inUseBytes() / (1024 * 1024)
	s.FreeMiB = p.freeBytes() / (1024 * 1024)

	return s
}

func (p *Pool) allocateDirect(bytes uint64, tag string) (Handle, error) {
	ptr, err := p.rt.Malloc(bytes)
	if err != nil {
		return 0, fmt.Errorf("allocating %d bytes (%s): %w", bytes, tag, errors.ErrOutOfMemory)
	}

	h := p.nextHandle
	p.nextHandle++
	p.direct[h] = directAlloc{ptr: ptr, bytes: bytes}
	p.directMiB += bytes / (1024 * 1024)
	p.stats.Allocations++

	return h, nil
}

func (p *Pool) addArena(bytes uint64) error {
	base, err := p.rt.Malloc(bytes)
	if err != nil {
		return err
	}

	a := &arena{base: base, size: bytes}
	a.blocks = []*block{{owner: a, off: 0, size: bytes, lastUsed: p.now()}}
	p.arenas = append(p.arenas, a)

	return nil
}

func (p *Pool) grow(need uint64) error {
	slab := p.cfg.InitialMiB * 1024 * 1024
	if slab < need {
		slab = alignUp(need)
	}

	if p.poolMiB()+slab/(1024*1024) > p.cfg.MaxMiB {
		p.logger.Warn("Cannot expand memory pool beyond maximum size")
		return errors.ErrOutOfMemory
	}

	return p.addArena(slab)
}

func (p *Pool) bestFit(size uint64) *block {
	var best *block
	for _, a := range p.arenas {
		for _, b := range a.blocks {
			if b.inUse || b.size < size {
				continue
			}
			if best == nil || b.size < best.size {
				best = b
			}
		}
	}

	return best
}

func (p *Pool) split(b *block, size uint64) {
	if b.size <= size+alignment {
		return
	}

	rest := &block{
		owner:    b.owner,
		off:      b.off + size,
		size:     b.size - size,
		lastUsed: p.now(),
	}
	b.size = size

	a := b.owner
	a.blocks = append(a.blocks, rest)
	sort.Slice(a.blocks, func(i, j int) bool { return a.blocks[i].off < a.blocks[j].off })
}

func (p *Pool) mergeAll() bool {
	changed := false
	for _, a := range p.arenas {
		changed = p.mergeArena(a) || changed
	}

	return changed
}

func (p *Pool) mergeArena(a *arena) bool {
	merged := false
	out := a.blocks[:0]

	for _, b := range a.blocks {
		if n := len(out); n > 0 && !out[n-1].inUse && !b.inUse && out[n-1].off+out[n-1].size == b.off {
			out[n-1].size += b.size
			merged = true
			continue
		}
		out = append(out, b)
	}

	a.blocks = out

	return merged
}

func (p *Pool) releaseFreeArenas() bool {
	// The initial slab stays; growth slabs with no leases are returned.
	if len(p.arenas) <= 1 {
		return false
	}

	released := false
	kept := p.arenas[:1]

	for _, a := range p.arenas[1:] {
		if arenaInUse(a) {
			kept = append(kept, a)
			continue
		}
		if err := p.rt.Free(a.base); err != nil {
			p.logger.Warnf("Releasing pool slab: %v", err)
			kept = append(kept, a)
			continue
		}
		released = true
	}

	p.arenas = kept

	return released
}

func arenaInUse(a *arena) bool {
	for _, b := range a.blocks {
		if b.inUse {
			return true
		}
	}

	return false
}

func (p *Pool) inUseBytes() uint64 {
	var total uint64
	for _, a := range p.arenas {
		for _, b := range a.blocks {
			if b.inUse {
				total += b.size
			}
		}
	}

	return total
}

func (p *Pool) freeBytes() uint64 {
	var total uint64
	for _, a := range p.arenas {
		for _, b := range a.blocks {
			if !b.inUse {
				total += b.size
			}
		}
	}

	return total
}

func (p *Pool) poolMiB() uint64 {
	var total uint64
	for _, a := range p.arenas {
		total += a.size
	}

	return total / (1024 * 1024)
}

func alignUp(size uint64) uint64 {
	return (size + alignment - 1) / alignment * alignment
}
