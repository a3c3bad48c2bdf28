package model

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"speechrnt-accel/pkg/defaults"
	"speechrnt-accel/pkg/engine"
	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/memory"
)

// Handle is a tagged reference to a resident model. The generation tag lets
// a device reset invalidate every outstanding handle at once.
type Handle struct {
	ID  uint64 `json:"id"`
	Gen uint64 `json:"gen"`
}

// Zero reports whether h is the zero handle.
func (h Handle) Zero() bool { return h.ID == 0 }

// Entry is a snapshot of one resident model.
type Entry struct {
	Pair         string           `json:"pair"`
	Path         string           `json:"path"`
	FootprintMiB uint64           `json:"footprint_mib"`
	LoadedAt     time.Time        `json:"loaded_at"`
	LastUsed     time.Time        `json:"last_used"`
	InUse        int              `json:"in_use"`
	Quantized    bool             `json:"quantized"`
	Precision    engine.Precision `json:"precision"`
}

type entry struct {
	handle       Handle
	pair         string
	path         string
	model        engine.Model
	mem          memory.Handle
	footprintMiB uint64
	loadedAt     time.Time
	lastUsed     time.Time
	inUse        int
	quantized    bool
	precision    engine.Precision
}

type loadWait struct {
	done chan struct{}
	err  error
}

// Cache keeps at most one resident copy of a model per language pair.
// Weight transfer runs outside the cache lock; concurrent acquirers of the
// same pair coalesce onto the first loader via a loading placeholder.
type Cache struct {
	fs     afero.Fs
	eng    engine.Engine
	pool   *memory.Pool
	logger *log.Logger

	mu      sync.Mutex
	gen     uint64
	nextID  uint64
	byPair  map[string]*entry
	byID    map[uint64]*entry
	loading map[string]*loadWait

	quantEnabled bool
	precision    engine.Precision

	now func() time.Time
}

// NewCache returns an empty cache backed by the given pool and engine.
func NewCache(fs afero.Fs, eng engine.Engine, pool *memory.Pool, logger *log.Logger) *Cache {
	return &Cache{
		fs:        fs,
		eng:       eng,
		pool:      pool,
		logger:    logger,
		gen:       1,
		nextID:    1,
		byPair:    make(map[string]*entry),
		byID:      make(map[uint64]*entry),
		loading:   make(map[string]*loadWait),
		precision: engine.PrecisionFP16,
		now:       time.Now,
	}
}

// Rebase points the cache at a new memory pool. Callers must ensure no
// models are resident.
func (c *Cache) Rebase(pool *memory.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool = pool
}

// SetQuantization configures the precision applied to subsequent loads.
func (c *Cache) SetQuantization(enabled bool, precision engine.Precision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quantEnabled = enabled
	c.precision = precision
}

// Acquire returns a handle for the pair, loading the model on a miss. The
// second return is true when the model was already resident.
func (c *Cache) Acquire(ctx context.Context, path, pair string) (Handle, bool, error) {
	for {
		c.mu.Lock()

		if e, ok := c.byPair[pair]; ok {
			e.lastUsed = c.now()
			e.inUse++
			h := e.handle
			c.mu.Unlock()
			return h, true, nil
		}

		if w, ok := c.loading[pair]; ok {
			c.mu.Unlock()
			select {
			case <-w.done:
				if w.err != nil {
					return Handle{}, false, w.err
				}
				// Loaded by the other caller; retry to bump usage.
				continue
			case <-ctx.Done():
				return Handle{}, false, ctx.Err()
			}
		}

		w := &loadWait{done: make(chan struct{})}
		c.loading[pair] = w
		precision, quantized := c.loadPrecision()
		c.mu.Unlock()

		h, err := c.load(ctx, path, pair, precision, quantized)

		c.mu.Lock()
		delete(c.loading, pair)
		w.err = err
		close(w.done)
		c.mu.Unlock()

		if err != nil {
			return Handle{}, false, err
		}

		return h, false, nil
	}
}

// Retain adds one reference to a resident model.
func (c *Cache) Retain(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.resolveLocked(h)
	if err != nil {
		return err
	}

	e.inUse++
	e.lastUsed = c.now()

	return nil
}

// Release decrements the in-use count of the model. It never evicts.
func (c *Cache) Release(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.resolveLocked(h)
	if err != nil {
		return err
	}

	if e.inUse > 0 {
		e.inUse--
	}

	return nil
}

// Unload removes the model and frees its memory. Models with live
// references are refused.
func (c *Cache) Unload(h Handle) error {
	c.mu.Lock()

	e, err := c.resolveLocked(h)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if e.inUse > 0 {
		c.mu.Unlock()
		return fmt.Errorf("unloading %s: %w", e.pair, errors.ErrModelInUse)
	}

	delete(c.byPair, e.pair)
	delete(c.byID, e.handle.ID)
	c.mu.Unlock()

	c.destroy(e)
	c.logger.Infof("Unloaded model %s", e.pair)

	return nil
}

// Optimize defragments the memory pool and evicts models that are unused
// and idle beyond the residency timeout. Returns true if anything changed.
func (c *Cache) Optimize() bool {
	changed := c.pool.Defragment()

	cutoff := c.now().Add(-defaults.ModelIdleTimeout)

	c.mu.Lock()
	var victims []*entry
	for _, e := range c.byPair {
		if e.inUse == 0 && !e.lastUsed.After(cutoff) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		delete(c.byPair, e.pair)
		delete(c.byID, e.handle.ID)
	}
	c.mu.Unlock()

	for _, e := range victims {
		c.logger.Infof("Evicting idle model %s", e.pair)
		c.destroy(e)
	}

	return changed || len(victims) > 0
}

// Resolve returns the engine model for a handle, bumping its last-used time.
func (c *Cache) Resolve(h Handle) (engine.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.resolveLocked(h)
	if err != nil {
		return nil, err
	}

	e.lastUsed = c.now()

	return e.model, nil
}

// Get returns the handle for a pair, if resident.
func (c *Cache) Get(pair string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byPair[pair]
	if !ok {
		return Handle{}, false
	}

	e.lastUsed = c.now()

	return e.handle, true
}

// IsLoaded reports whether the pair has a resident model.
func (c *Cache) IsLoaded(pair string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.byPair[pair]

	return ok
}

// Loaded returns a snapshot of all resident models.
func (c *Cache) Loaded() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.byPair))
	for _, e := range c.byPair {
		out = append(out, Entry{
			Pair:         e.pair,
			Path:         e.path,
			FootprintMiB: e.footprintMiB,
			LoadedAt:     e.loadedAt,
			LastUsed:     e.lastUsed,
			InUse:        e.inUse,
			Quantized:    e.quantized,
			Precision:    e.precision,
		})
	}

	return out
}

// Count returns the number of resident models.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.byPair)
}

// InvalidateAll unloads every model and bumps the generation so that all
// outstanding handles fail with ErrNoSuchModel. Used by device reset and
// CPU fallback.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	// Collect first: destroying entries mutates pool state and must not run
	// while iterating under the lock.
	victims := make([]*entry, 0, len(c.byPair))
	for _, e := range c.byPair {
		victims = append(victims, e)
	}
	c.byPair = make(map[string]*entry)
	c.byID = make(map[uint64]*entry)
	c.gen++
	c.mu.Unlock()

	for _, e := range victims {
		c.destroy(e)
	}

	return len(victims)
}

func (c *Cache) load(ctx context.Context, path, pair string, precision engine.Precision, quantized bool) (Handle, error) {
	if err := c.validate(path); err != nil {
		return Handle{}, err
	}

	footprint := footprintMiB(precision, quantized)

	if !c.pool.Has(footprint) {
		c.Optimize()
		if !c.pool.Has(footprint) {
			return Handle{}, fmt.Errorf("loading %s (%dMiB): %w", pair, footprint, errors.ErrOutOfMemory)
		}
	}

	mem, err := c.pool.Allocate(footprint*1024*1024, pair)
	if err != nil {
		return Handle{}, fmt.Errorf("loading %s: %w", pair, err)
	}

	m, err := c.eng.Load(ctx, path, pair, precision)
	if err != nil {
		c.pool.Free(mem)
		return Handle{}, fmt.Errorf("loading %s: %w", pair, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := &entry{
		handle:       Handle{ID: c.nextID, Gen: c.gen},
		pair:         pair,
		path:         path,
		model:        m,
		mem:          mem,
		footprintMiB: footprint,
		loadedAt:     now,
		lastUsed:     now,
		inUse:        1,
		quantized:    quantized,
		precision:    precision,
	}
	c.nextID++
	c.byPair[pair] = e
	c.byID[e.handle.ID] = e

	c.logger.Infof("Loaded model %s (%dMiB, %s)", pair, footprint, precision)

	return e.handle, nil
}

func (c *Cache) validate(path string) error {
	if filepath.Ext(path) != defaults.ModelExtension {
		return fmt.Errorf("model %s: %w", path, errors.ErrIncompatibleModel)
	}

	info, err := c.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("model %s: %w", path, errors.ErrIncompatibleModel)
	}
	if info.Size() == 0 {
		return fmt.Errorf("model %s is empty: %w", path, errors.ErrIncompatibleModel)
	}

	return nil
}

func (c *Cache) destroy(e *entry) {
	if err := c.eng.Release(e.model); err != nil {
		c.logger.Warnf("Releasing engine model %s: %v", e.pair, err)
	}
	c.pool.Free(e.mem)
}

func (c *Cache) resolveLocked(h Handle) (*entry, error) {
	e, ok := c.byID[h.ID]
	if !ok || e.handle.Gen != h.Gen {
		return nil, errors.ErrNoSuchModel
	}

	return e, nil
}

func (c *Cache) loadPrecision() (engine.Precision, bool) {
	if !c.quantEnabled {
		return engine.PrecisionFP32, false
	}

	return c.precision, true
}

func footprintMiB(precision engine.Precision, quantized bool) uint64 {
	base := uint64(defaults.ModelFootprintMiB)
	if !quantized {
		return base
	}

	switch precision {
	case engine.PrecisionFP16:
		return base / 2
	case engine.PrecisionInt8:
		return base / 4
	default:
		return base
	}
}
