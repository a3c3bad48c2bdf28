package stream

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"speechrnt-accel/pkg/cuda"
)

// Handle is a leased stream. The zero Handle means "no stream": callers fall
// back to the device's default stream.
type Handle cuda.StreamID

// None is the zero Handle.
const None Handle = 0

// Pool owns a fixed set of asynchronous device streams handed out with a
// lease/release protocol. |available| + |busy| always equals the capacity.
type Pool struct {
	rt     cuda.Runtime
	logger *log.Logger

	mu        sync.Mutex
	available []cuda.StreamID
	busy      map[cuda.StreamID]struct{}
}

// NewPool creates count streams on the current device. A zero count
// disables pooling: every Lease returns None.
func NewPool(rt cuda.Runtime, logger *log.Logger, count int) (*Pool, error) {
	p := &Pool{
		rt:   rt,
		busy: make(map[cuda.StreamID]struct{}),
	}
	p.logger = logger

	if err := p.create(count); err != nil {
		return nil, err
	}

	logger.Infof("Created %d device streams", count)

	return p, nil
}

// Lease hands out a stream. It never blocks; when the pool is exhausted or
// disabled it returns (None, false).
func (p *Pool) Lease() (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return None, false
	}

	id := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	p.busy[id] = struct{}{}

	return Handle(id), true
}

// Release returns a leased stream. Releasing None, an unknown handle or an
// already-available handle is a no-op.
func (p *Pool) Release(h Handle) {
	if h == None {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := cuda.StreamID(h)
	if _, leased := p.busy[id]; !leased {
		return
	}

	delete(p.busy, id)
	p.available = append(p.available, id)
}

// SynchronizeAll waits for completion on every stream, leased or not.
func (p *Pool) SynchronizeAll() error {
	p.mu.Lock()
	ids := make([]cuda.StreamID, 0, len(p.available)+len(p.busy))
	ids = append(ids, p.available...)
	for id := range p.busy {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.rt.StreamSynchronize(id); err != nil {
			return fmt.Errorf("synchronizing stream %d: %w", id, err)
		}
	}

	return nil
}

// Rebuild destroys every stream and creates count new ones. Outstanding
// leases are invalidated; callers must have dropped them.
func (p *Pool) Rebuild(count int) error {
	p.Destroy()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.create(count); err != nil {
		return err
	}

	p.logger.Infof("Rebuilt stream pool with %d streams", count)

	return nil
}

// Destroy tears down all streams. Safe to call when streams were already
// destroyed by a device reset.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.available {
		if err := p.rt.StreamDestroy(id); err != nil {
			p.logger.Debugf("Destroying stream %d: %v", id, err)
		}
	}
	for id := range p.busy {
		if err := p.rt.StreamDestroy(id); err != nil {
			p.logger.Debugf("Destroying stream %d: %v", id, err)
		}
	}

	p.available = nil
	p.busy = make(map[cuda.StreamID]struct{})
}

// Capacity returns |available| + |busy|.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.available) + len(p.busy)
}

// Busy returns the number of leased streams.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.busy)
}

// IsLeased reports whether h is currently leased.
func (p *Pool) IsLeased(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.busy[cuda.StreamID(h)]

	return ok
}

func (p *Pool) create(count int) error {
	for i := 0; i < count; i++ {
		id, err := p.rt.StreamCreate()
		if err != nil {
			return fmt.Errorf("creating stream %d: %w", i, err)
		}
		p.available = append(p.available, id)
	}

	return nil
}
