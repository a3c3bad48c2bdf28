package device

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/defaults"
	"speechrnt-accel/pkg/errors"
)

// None is the sentinel returned when no compatible device exists.
const None = -1

// Info describes one device as seen by the translation workload.
type Info struct {
	ID                  int     `json:"id"`
	Name                string  `json:"name"`
	TotalMemMiB         uint64  `json:"total_mem_mib"`
	AvailableMemMiB     uint64  `json:"available_mem_mib"`
	CCMajor             int     `json:"cc_major"`
	CCMinor             int     `json:"cc_minor"`
	MultiprocessorCount int     `json:"multiprocessor_count"`
	SupportsFP16        bool    `json:"supports_fp16"`
	SupportsInt8        bool    `json:"supports_int8"`
	Compatible          bool    `json:"compatible"`
	Score               float64 `json:"score"`
}

// Score computes the weighted suitability score of a device. Memory counts
// for 40%, compute capability 30%, multiprocessors 20% and precision
// features 10%.
func Score(d Info) float64 {
	memRatio := float64(d.AvailableMemMiB) / 8192.0
	if memRatio > 1 {
		// More memory than the models can use stops helping.
		memRatio = 1
	}

	score := memRatio * 0.4
	score += (float64(d.CCMajor*10+d.CCMinor) / 100.0) * 0.3
	score += (float64(d.MultiprocessorCount) / 128.0) * 0.2

	if d.SupportsFP16 {
		score += 0.05
	}
	if d.SupportsInt8 {
		score += 0.05
	}

	return score
}

// Registry discovers devices and tracks the currently selected one.
// Discovery runs once at construction and again only via Rediscover
// during recovery.
type Registry struct {
	rt     cuda.Runtime
	logger *log.Logger

	mu      sync.RWMutex
	devices []Info
	current int
}

// NewRegistry enumerates devices and returns the registry. An empty device
// list is not an error.
func NewRegistry(rt cuda.Runtime, logger *log.Logger) (*Registry, error) {
	r := &Registry{rt: rt, logger: logger, current: None}

	if err := r.Rediscover(); err != nil {
		return nil, err
	}

	return r, nil
}

// Rediscover re-enumerates the runtime's devices, replacing the snapshot.
// The current selection is kept if the device is still compatible.
func (r *Registry) Rediscover() error {
	count, err := r.rt.DeviceCount()
	if err != nil {
		return fmt.Errorf("enumerating devices: %w", err)
	}

	devices := make([]Info, 0, count)
	for id := 0; id < count; id++ {
		props, err := r.rt.DeviceProps(id)
		if err != nil {
			r.logger.Warnf("Skipping device %d: %v", id, err)
			continue
		}

		info := fromProps(props)
		info.Score = Score(info)
		devices = append(devices, info)

		r.logger.Infof("Detected device %d: %s (compatible: %v)", id, info.Name, info.Compatible)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = devices
	if r.current != None && !r.compatibleLocked(r.current) {
		r.current = None
	}

	return nil
}

// List returns a snapshot of all discovered devices.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, len(r.devices))
	copy(out, r.devices)

	return out
}

// Best returns the id of the highest-scoring compatible device, or None.
// Ties are broken by the lowest device id.
func (r *Registry) Best() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := None
	bestScore := 0.0

	for _, d := range r.devices {
		if !d.Compatible {
			continue
		}
		if best == None || d.Score > bestScore {
			best = d.ID
			bestScore = d.Score
		}
	}

	return best
}

// Validate reports whether id names a compatible device.
func (r *Registry) Validate(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.compatibleLocked(id)
}

// Select makes the device current; subsequent memory, stream and model
// operations target it.
func (r *Registry) Select(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.compatibleLocked(id) {
		return fmt.Errorf("selecting device %d: %w", id, errors.ErrInvalidDevice)
	}

	if err := r.rt.SetDevice(id); err != nil {
		return fmt.Errorf("selecting device %d: %w", id, err)
	}

	r.current = id
	r.logger.Infof("Selected device %d for translation", id)

	return nil
}

// Current returns the selected device id, or None.
func (r *Registry) Current() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current
}

// CurrentInfo returns the selected device's info.
func (r *Registry) CurrentInfo() (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.ID == r.current {
			return d, true
		}
	}

	return Info{}, false
}

// Deselect clears the current selection.
func (r *Registry) Deselect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current = None
}

func (r *Registry) compatibleLocked(id int) bool {
	for _, d := range r.devices {
		if d.ID == id {
			return d.Compatible
		}
	}

	return false
}

func fromProps(p cuda.DeviceProps) Info {
	return Info{
		ID:                  p.ID,
		Name:                p.Name,
		TotalMemMiB:         p.TotalMemMiB,
		AvailableMemMiB:     p.FreeMemMiB,
		CCMajor:             p.CCMajor,
		CCMinor:             p.CCMinor,
		MultiprocessorCount: p.MultiprocessorCount,
		SupportsFP16:        p.CCMajor >= 7 || (p.CCMajor == 6 && p.CCMinor >= 1),
		SupportsInt8:        p.CCMajor >= 7,
		Compatible: p.CCMajor >= defaults.MinComputeMajor &&
			p.TotalMemMiB >= defaults.MinDeviceMemoryMiB &&
			p.Available,
	}
}
