package delay

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidArgCount means the parameter list was not 3 or 6 tokens
	ErrInvalidArgCount = errors.New("requires exactly 3 or 6 arguments")

	// ErrInvalidSector means an offset was not an unsigned decimal integer
	ErrInvalidSector = errors.New("invalid device sector")

	// ErrInvalidDelay means a delay was not an unsigned decimal integer
	ErrInvalidDelay = errors.New("invalid delay")

	// ErrDeviceNotFound means the device identifier does not resolve
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBusy means the device is already held exclusively
	ErrDeviceBusy = errors.New("device busy")

	// ErrNoWriteDevice means a write-path setting was used on a target
	// that has no separate write endpoint
	ErrNoWriteDevice = errors.New("write device is not configured")

	// ErrTargetExists means a target with the same name is registered
	ErrTargetExists = errors.New("target already exists")

	// ErrTargetDestroyed means the target has been torn down
	ErrTargetDestroyed = errors.New("target destroyed")
)

// ConfigError is a construction or control-plane failure with an
// operator-facing reason. It wraps the underlying cause.
type ConfigError struct {
	// Reason is the short message shown to the operator
	Reason string

	// Err is the cause (one of the sentinels above, possibly wrapped)
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErr(reason string, err error) error {
	return &ConfigError{Reason: reason, Err: err}
}
