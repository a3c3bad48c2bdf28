package defaults

import "time"

const (
	// MemoryPoolMiB is the initial size of the device memory pool.
	MemoryPoolMiB = 1024

	// MemoryPoolMaxMiB is the hard cap for memory pool growth.
	MemoryPoolMaxMiB = 2 * MemoryPoolMiB

	// StreamCount is the number of concurrent device streams.
	StreamCount = 4

	// MaxBatchSize is the largest accepted translation batch.
	MaxBatchSize = 32

	// OptimalBatchSize is the sub-batch size used for batch translation.
	OptimalBatchSize = 8

	// ModelFootprintMiB is the assumed device footprint of an fp32 model.
	ModelFootprintMiB = 512

	// ModelExtension is the only accepted model file suffix.
	ModelExtension = ".npz"

	// ModelIdleTimeout is how long an unused model stays resident.
	ModelIdleTimeout = 30 * time.Minute

	// SessionIdleTimeout is how long an inactive streaming session survives.
	SessionIdleTimeout = 30 * time.Minute

	// MonitorInterval is the period between performance samples.
	MonitorInterval = time.Second

	// HistoryCapacity is the sample ring size (one hour at 1Hz).
	HistoryCapacity = 3600

	// MemoryThresholdPct is the default memory usage alert threshold.
	MemoryThresholdPct = 80.0

	// TemperatureThresholdC is the default temperature alert threshold.
	TemperatureThresholdC = 85.0

	// UtilizationThresholdPct is the default utilization alert threshold.
	UtilizationThresholdPct = 90.0

	// MinComputeMajor is the minimum compute capability for compatibility.
	MinComputeMajor = 6

	// MinDeviceMemoryMiB is the minimum device memory for compatibility.
	MinDeviceMemoryMiB = 2048

	// HTTPAPIEndpoint is the default bind address for the introspection API.
	HTTPAPIEndpoint = "localhost:9090"
)
