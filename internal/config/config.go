package config

import (
	"time"

	accelcfg "speechrnt-accel/pkg/config"
	"speechrnt-accel/pkg/log"
)

// Config holds the daemon-level settings for acceld.
type Config struct {
	// Logging holds the log output configuration.
	Logging log.Config

	// HTTPAPIEndpoint is the bind address for the introspection API.
	HTTPAPIEndpoint string

	// DisableAPI disables the HTTP API server.
	DisableAPI bool

	// DeviceID pins the accelerator to a device; negative means automatic
	// best-device selection.
	DeviceID int

	// SimGPUs is the number of simulated devices to expose; zero runs in
	// the no-GPU state.
	SimGPUs int

	// VoiceDir is a directory of voice WAV files to index at startup.
	VoiceDir string

	// MonitorInterval is the health sampling period.
	MonitorInterval time.Duration

	// Accel is the accelerator configuration.
	Accel accelcfg.Config
}
