package config

import (
	"fmt"

	"speechrnt-accel/pkg/defaults"
	"speechrnt-accel/pkg/engine"
)

// MemoryPool configures the device memory pool.
type MemoryPool struct {
	InitialMiB uint64 `mapstructure:"initial_mib"`
	MaxMiB     uint64 `mapstructure:"max_mib"`
	Defragment bool   `mapstructure:"defragment"`
}

// Quantization configures model precision.
type Quantization struct {
	Enabled   bool             `mapstructure:"enabled"`
	Precision engine.Precision `mapstructure:"precision"`
}

// Batching configures batch translation sizes.
type Batching struct {
	MaxBatch     int `mapstructure:"max_batch"`
	OptimalBatch int `mapstructure:"optimal_batch"`
}

// Streams configures the asynchronous stream pool.
type Streams struct {
	Concurrent bool `mapstructure:"concurrent"`
	Count      int  `mapstructure:"count"`
}

// Thresholds configures performance alerting.
type Thresholds struct {
	MemoryPct      float64 `mapstructure:"memory_pct"`
	TemperatureC   float64 `mapstructure:"temperature_c"`
	UtilizationPct float64 `mapstructure:"utilization_pct"`
}

// Fallback configures CPU fallback behaviour.
type Fallback struct {
	CPUEnabled bool `mapstructure:"cpu_enabled"`
}

// Config is the accelerator configuration.
type Config struct {
	MemoryPool   MemoryPool   `mapstructure:"memory_pool"`
	Quantization Quantization `mapstructure:"quantization"`
	Batching     Batching     `mapstructure:"batching"`
	Streams      Streams      `mapstructure:"streams"`
	Thresholds   Thresholds   `mapstructure:"thresholds"`
	Fallback     Fallback     `mapstructure:"fallback"`
}

// Default returns the configuration with all defaults applied.
func Default() Config {
	return Config{
		MemoryPool: MemoryPool{
			InitialMiB: defaults.MemoryPoolMiB,
			MaxMiB:     defaults.MemoryPoolMaxMiB,
			Defragment: true,
		},
		Quantization: Quantization{
			Enabled:   false,
			Precision: engine.PrecisionFP16,
		},
		Batching: Batching{
			MaxBatch:     defaults.MaxBatchSize,
			OptimalBatch: defaults.OptimalBatchSize,
		},
		Streams: Streams{
			Concurrent: true,
			Count:      defaults.StreamCount,
		},
		Thresholds: Thresholds{
			MemoryPct:      defaults.MemoryThresholdPct,
			TemperatureC:   defaults.TemperatureThresholdC,
			UtilizationPct: defaults.UtilizationThresholdPct,
		},
		Fallback: Fallback{CPUEnabled: true},
	}
}

// Validate checks the configuration for inconsistencies and fills derivable
// fields. The pool hard cap is always twice the initial size.
func (c *Config) Validate() error {
	if c.MemoryPool.InitialMiB == 0 {
		c.MemoryPool.InitialMiB = defaults.MemoryPoolMiB
	}
	c.MemoryPool.MaxMiB = c.MemoryPool.InitialMiB * 2

	if c.Quantization.Precision == "" {
		c.Quantization.Precision = engine.PrecisionFP16
	}
	if !c.Quantization.Precision.Valid() {
		return fmt.Errorf("unknown quantization precision %q", c.Quantization.Precision)
	}

	if c.Batching.MaxBatch <= 0 {
		c.Batching.MaxBatch = defaults.MaxBatchSize
	}
	if c.Batching.OptimalBatch <= 0 {
		c.Batching.OptimalBatch = defaults.OptimalBatchSize
	}
	if c.Batching.OptimalBatch > c.Batching.MaxBatch {
		return fmt.Errorf("optimal batch %d exceeds max batch %d",
			c.Batching.OptimalBatch, c.Batching.MaxBatch)
	}

	if !c.Streams.Concurrent {
		c.Streams.Count = 0
	} else if c.Streams.Count <= 0 {
		c.Streams.Count = defaults.StreamCount
	}

	if c.Thresholds.MemoryPct <= 0 {
		c.Thresholds.MemoryPct = defaults.MemoryThresholdPct
	}
	if c.Thresholds.TemperatureC <= 0 {
		c.Thresholds.TemperatureC = defaults.TemperatureThresholdC
	}
	if c.Thresholds.UtilizationPct <= 0 {
		c.Thresholds.UtilizationPct = defaults.UtilizationThresholdPct
	}

	return nil
}
