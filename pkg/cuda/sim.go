package cuda

import (
	"fmt"
	"sync"

	"speechrnt-accel/pkg/errors"
)

// SimDevice describes one simulated device.
type SimDevice struct {
	Name                string
	TotalMemMiB         uint64
	CCMajor             int
	CCMinor             int
	MultiprocessorCount int
	Available           bool
}

// SimRuntime is an in-memory Runtime implementation. It tracks allocations
// and streams per device and supports failure injection for recovery tests.
type SimRuntime struct {
	mu sync.Mutex

	devices []SimDevice
	current int

	usedBytes  map[int]uint64
	allocs     map[DevicePtr]simAlloc
	streams    map[StreamID]int
	nextPtr    DevicePtr
	nextStream StreamID

	utilization float64
	temperature float64

	// Failure injection.
	failReset  bool
	failMalloc bool
	lost       bool
}

type simAlloc struct {
	device int
	bytes  uint64
}

// NewSimRuntime returns a simulated runtime over the given device table.
func NewSimRuntime(devices ...SimDevice) *SimRuntime {
	return &SimRuntime{
		devices:    devices,
		current:    -1,
		usedBytes:  make(map[int]uint64),
		allocs:     make(map[DevicePtr]simAlloc),
		streams:    make(map[StreamID]int),
		nextPtr:    0x1000,
		nextStream: 1,
	}
}

// DefaultSimDevice returns a device comparable to a mid-range accelerator.
func DefaultSimDevice() SimDevice {
	return SimDevice{
		Name:                "SimAccel 8000",
		TotalMemMiB:         8192,
		CCMajor:             7,
		CCMinor:             5,
		MultiprocessorCount: 64,
		Available:           true,
	}
}

func (r *SimRuntime) DeviceCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.devices), nil
}

func (r *SimRuntime) DeviceProps(id int) (DeviceProps, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= len(r.devices) {
		return DeviceProps{}, errors.NewRuntimeError("deviceProps", fmt.Sprintf("no device %d", id))
	}

	d := r.devices[id]

	return DeviceProps{
		ID:                  id,
		Name:                d.Name,
		TotalMemMiB:         d.TotalMemMiB,
		FreeMemMiB:          d.TotalMemMiB - r.usedBytes[id]/(1024*1024),
		CCMajor:             d.CCMajor,
		CCMinor:             d.CCMinor,
		MultiprocessorCount: d.MultiprocessorCount,
		Available:           d.Available && !r.lost,
	}, nil
}

func (r *SimRuntime) SetDevice(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= len(r.devices) {
		return errors.NewRuntimeError("setDevice", fmt.Sprintf("no device %d", id))
	}

	r.current = id

	return nil
}

func (r *SimRuntime) Malloc(bytes uint64) (DevicePtr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkDevice("malloc"); err != nil {
		return 0, err
	}

	if r.failMalloc {
		return 0, errors.NewRuntimeError("malloc", "allocation refused")
	}

	total := r.devices[r.current].TotalMemMiB * 1024 * 1024
	if r.usedBytes[r.current]+bytes > total {
		return 0, errors.NewRuntimeError("malloc", "out of device memory")
	}

	ptr := r.nextPtr
	r.nextPtr += DevicePtr(bytes) + 0x100
	r.allocs[ptr] = simAlloc{device: r.current, bytes: bytes}
	r.usedBytes[r.current] += bytes

	return ptr, nil
}

func (r *SimRuntime) Free(ptr DevicePtr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocs[ptr]
	if !ok {
		return errors.NewRuntimeError("free", fmt.Sprintf("unknown pointer %#x", uint64(ptr)))
	}

	r.usedBytes[alloc.device] -= alloc.bytes
	delete(r.allocs, ptr)

	return nil
}

func (r *SimRuntime) MemInfo() (uint64, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkDevice("memInfo"); err != nil {
		return 0, 0, err
	}

	total := r.devices[r.current].TotalMemMiB * 1024 * 1024

	return total - r.usedBytes[r.current], total, nil
}

func (r *SimRuntime) StreamCreate() (StreamID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkDevice("streamCreate"); err != nil {
		return 0, err
	}

	id := r.nextStream
	r.nextStream++
	r.streams[id] = r.current

	return id, nil
}

func (r *SimRuntime) StreamDestroy(id StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; !ok {
		return errors.NewRuntimeError("streamDestroy", fmt.Sprintf("unknown stream %d", id))
	}

	delete(r.streams, id)

	return nil
}

func (r *SimRuntime) StreamSynchronize(id StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; !ok {
		return errors.NewRuntimeError("streamSynchronize", fmt.Sprintf("unknown stream %d", id))
	}

	return nil
}

func (r *SimRuntime) DeviceSynchronize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.checkDevice("deviceSynchronize")
}

// DeviceReset destroys all streams and allocations on the current device and
// clears any injected device-lost condition unless reset failure is injected.
func (r *SimRuntime) DeviceReset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current < 0 {
		return errors.NewRuntimeError("deviceReset", "no current device")
	}

	if r.failReset {
		return errors.NewRuntimeError("deviceReset", "reset refused")
	}

	for ptr, alloc := range r.allocs {
		if alloc.device == r.current {
			r.usedBytes[r.current] -= alloc.bytes
			delete(r.allocs, ptr)
		}
	}

	for id, dev := range r.streams {
		if dev == r.current {
			delete(r.streams, id)
		}
	}

	r.lost = false

	return nil
}

func (r *SimRuntime) Utilization() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.utilization, nil
}

func (r *SimRuntime) Temperature() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.temperature, nil
}

// SetMetrics sets the simulated utilization and temperature readings.
func (r *SimRuntime) SetMetrics(utilizationPct, temperatureC float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.utilization = utilizationPct
	r.temperature = temperatureC
}

// InjectDeviceLost marks the runtime as lost: devices report unavailable and
// operations on the current device fail until a successful DeviceReset.
func (r *SimRuntime) InjectDeviceLost() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lost = true
}

// RefuseReset makes DeviceReset fail until re-enabled.
func (r *SimRuntime) RefuseReset(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failReset = refuse
}

// RefuseMalloc makes Malloc fail until re-enabled.
func (r *SimRuntime) RefuseMalloc(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failMalloc = refuse
}

// LiveAllocations returns the number of outstanding device allocations.
func (r *SimRuntime) LiveAllocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.allocs)
}

// LiveStreams returns the number of outstanding streams.
func (r *SimRuntime) LiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.streams)
}

func (r *SimRuntime) checkDevice(op string) error {
	if r.current < 0 {
		return errors.NewRuntimeError(op, "no current device")
	}

	if r.lost {
		return errors.NewRuntimeError(op, "device lost")
	}

	return nil
}
