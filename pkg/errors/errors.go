package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized    = errors.New("accelerator is not initialized")
	ErrGPUUnavailable    = errors.New("no compatible gpu is available")
	ErrInvalidDevice     = errors.New("unknown or incompatible gpu device")
	ErrOutOfMemory       = errors.New("insufficient device memory")
	ErrIncompatibleModel = errors.New("model file is not compatible")
	ErrDuplicateSession  = errors.New("streaming session already exists")
	ErrNoSuchSession     = errors.New("streaming session not found")
	ErrNoSuchModel       = errors.New("model is not loaded")
	ErrModelInUse        = errors.New("model has live references")
	ErrNoStream          = errors.New("no device stream available")
)

// EngineError carries a diagnostic from the underlying NMT engine.
type EngineError struct {
	Diag string
}

// Error returns the error message.
func (e EngineError) Error() string {
	return fmt.Sprintf("engine error: %s", e.Diag)
}

func NewEngineError(diag string) error {
	return EngineError{Diag: diag}
}

// RuntimeError carries a diagnostic from the device runtime.
type RuntimeError struct {
	Op   string
	Diag string
}

// Error returns the error message.
func (e RuntimeError) Error() string {
	return fmt.Sprintf("device runtime %s failed: %s", e.Op, e.Diag)
}

func NewRuntimeError(op, diag string) error {
	return RuntimeError{Op: op, Diag: diag}
}

// IsEngineError reports whether err is (or wraps) an EngineError.
func IsEngineError(err error) bool {
	var e EngineError
	return errors.As(err, &e)
}

// IsRuntimeError reports whether err is (or wraps) a RuntimeError.
func IsRuntimeError(err error) bool {
	var e RuntimeError
	return errors.As(err, &e)
}
