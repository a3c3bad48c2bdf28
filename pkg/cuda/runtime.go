package cuda

// DevicePtr is an opaque device memory address.
type DevicePtr uint64

// StreamID identifies an asynchronous command stream. Zero is never a
// valid stream.
type StreamID uint64

// DeviceProps describes one physical device as reported by the runtime.
type DeviceProps struct {
	ID                  int
	Name                string
	TotalMemMiB         uint64
	FreeMemMiB          uint64
	CCMajor             int
	CCMinor             int
	MultiprocessorCount int
	Available           bool
}

// Runtime is the narrow contract the accelerator requires from the device
// runtime. Implementations wrap the vendor runtime; SimRuntime provides an
// in-process simulation for environments without device hardware.
type Runtime interface {
	// DeviceCount returns the number of physical devices.
	DeviceCount() (int, error)

	// DeviceProps returns the properties of the device with the given id.
	DeviceProps(id int) (DeviceProps, error)

	// SetDevice makes the given device current for subsequent operations.
	SetDevice(id int) error

	// Malloc allocates device memory on the current device.
	Malloc(bytes uint64) (DevicePtr, error)

	// Free releases device memory.
	Free(ptr DevicePtr) error

	// MemInfo returns free and total memory of the current device in bytes.
	MemInfo() (free, total uint64, err error)

	// StreamCreate creates an asynchronous stream on the current device.
	StreamCreate() (StreamID, error)

	// StreamDestroy destroys a stream.
	StreamDestroy(id StreamID) error

	// StreamSynchronize blocks until all work queued on the stream completes.
	StreamSynchronize(id StreamID) error

	// DeviceSynchronize blocks until all work on the current device completes.
	DeviceSynchronize() error

	// DeviceReset tears down the current device context, destroying all
	// streams and freeing all allocations owned by it.
	DeviceReset() error

	// Utilization returns the current device utilization in percent.
	Utilization() (float64, error)

	// Temperature returns the current device temperature in Celsius.
	Temperature() (float64, error)
}
