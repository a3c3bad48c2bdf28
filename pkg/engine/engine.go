package engine

import (
	"context"

	"speechrnt-accel/pkg/cuda"
)

// Precision is the numeric precision a model is loaded with.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionInt8 Precision = "int8"
)

// Valid reports whether p names a known precision.
func (p Precision) Valid() bool {
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionInt8:
		return true
	default:
		return false
	}
}

// Model is an opaque reference to a model the engine has loaded on a device.
type Model interface {
	// Pair returns the language pair the model translates.
	Pair() string
}

// Engine is the narrow contract the accelerator requires from the underlying
// NMT library. Weight I/O and incremental decoding are the engine's concern;
// the accelerator only routes texts and streams to it.
type Engine interface {
	// Load loads the model weights at path onto the current device.
	Load(ctx context.Context, path, pair string, precision Precision) (Model, error)

	// Translate maps text through the model, queueing device work on the
	// given stream. A zero stream means the device's default stream.
	Translate(ctx context.Context, m Model, text string, stream cuda.StreamID) (string, error)

	// Release drops the engine's reference to the model.
	Release(m Model) error
}
