package flags

import (
	"github.com/spf13/cobra"

	"speechrnt-accel/internal/config"
	"speechrnt-accel/pkg/defaults"
)

const (
	httpEndpointFlag    = "http-endpoint"
	disableAPIFlag      = "disable-api"
	deviceFlag          = "device"
	simGPUsFlag         = "sim-gpus"
	voiceDirFlag        = "voice-dir"
	monitorIntervalFlag = "monitor-interval"
	poolSizeFlag        = "pool-mib"
	defragmentFlag      = "defragment"
	quantizeFlag        = "quantize"
	precisionFlag       = "precision"
	maxBatchFlag        = "max-batch"
	optimalBatchFlag    = "optimal-batch"
	streamsFlag         = "streams"
	cpuFallbackFlag     = "cpu-fallback"
	memoryThresholdFlag = "memory-threshold"
	tempThresholdFlag   = "temperature-threshold"
	utilThresholdFlag   = "utilization-threshold"
)

// AddAPIServerFlagsToCommand adds the HTTP API flags to the command.
func AddAPIServerFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.HTTPAPIEndpoint,
		httpEndpointFlag,
		defaults.HTTPAPIEndpoint,
		"The endpoint for the HTTP API server to listen on.")

	cmd.Flags().BoolVar(&cfg.DisableAPI,
		disableAPIFlag,
		false,
		"Disable the HTTP API server.")
}

// AddDeviceFlagsToCommand adds device selection flags to the command.
func AddDeviceFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVar(&cfg.DeviceID,
		deviceFlag,
		-1,
		"Device id to run on; negative selects the best compatible device.")

	cmd.Flags().IntVar(&cfg.SimGPUs,
		simGPUsFlag,
		1,
		"Number of simulated devices to expose; 0 runs without a GPU.")
}

// AddAccelFlagsToCommand adds memory, quantization, batching and stream
// flags to the command.
func AddAccelFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().Uint64Var(&cfg.Accel.MemoryPool.InitialMiB,
		poolSizeFlag,
		defaults.MemoryPoolMiB,
		"Initial device memory pool size in MiB; the cap is twice this.")

	cmd.Flags().BoolVar(&cfg.Accel.MemoryPool.Defragment,
		defragmentFlag,
		true,
		"Enable memory pool defragmentation.")

	cmd.Flags().BoolVar(&cfg.Accel.Quantization.Enabled,
		quantizeFlag,
		false,
		"Quantize models on load.")

	cmd.Flags().StringVar((*string)(&cfg.Accel.Quantization.Precision),
		precisionFlag,
		"fp16",
		"Quantization precision: fp32, fp16 or int8.")

	cmd.Flags().IntVar(&cfg.Accel.Batching.MaxBatch,
		maxBatchFlag,
		defaults.MaxBatchSize,
		"Largest accepted translation batch.")

	cmd.Flags().IntVar(&cfg.Accel.Batching.OptimalBatch,
		optimalBatchFlag,
		defaults.OptimalBatchSize,
		"Sub-batch size used during batch translation.")

	cmd.Flags().IntVar(&cfg.Accel.Streams.Count,
		streamsFlag,
		defaults.StreamCount,
		"Number of concurrent device streams; 0 disables stream pooling.")

	cmd.Flags().BoolVar(&cfg.Accel.Fallback.CPUEnabled,
		cpuFallbackFlag,
		true,
		"Degrade to CPU-only operation when device recovery fails.")
}

// AddMonitorFlagsToCommand adds health monitoring flags to the command.
func AddMonitorFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().DurationVar(&cfg.MonitorInterval,
		monitorIntervalFlag,
		defaults.MonitorInterval,
		"Period between health samples.")

	cmd.Flags().Float64Var(&cfg.Accel.Thresholds.MemoryPct,
		memoryThresholdFlag,
		defaults.MemoryThresholdPct,
		"Memory usage alert threshold in percent.")

	cmd.Flags().Float64Var(&cfg.Accel.Thresholds.TemperatureC,
		tempThresholdFlag,
		defaults.TemperatureThresholdC,
		"Temperature alert threshold in degrees Celsius.")

	cmd.Flags().Float64Var(&cfg.Accel.Thresholds.UtilizationPct,
		utilThresholdFlag,
		defaults.UtilizationThresholdPct,
		"GPU utilization alert threshold in percent.")
}

// AddVoiceFlagsToCommand adds voice catalog flags to the command.
func AddVoiceFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.VoiceDir,
		voiceDirFlag,
		"",
		"Directory of voice WAV files to index at startup.")
}
