// =============================================================================
// DEVICE BINDING - ENDPOINTS A TARGET REDIRECTS TO
// =============================================================================
//
// An Endpoint pairs an opened backing device with the sector at which the
// mapping starts on that device:
//
//   mapping sector:   0        10                  len
//                     ├────────┼───────────────────┤
//   device sector:   100      110                 100+len
//                     ▲
//                     └── Endpoint.Start
//
// A target has a read endpoint and, optionally, a write endpoint. Without a
// write endpoint both directions use the read endpoint and the read delay.
//
// Devices are opened through a Resolver so that the engine never touches the
// filesystem directly. The resolver is responsible for exclusivity: a device
// already held by someone else fails with ErrDeviceBusy.
//
// =============================================================================

package delay

import (
	"fmt"
)

// Device is an opened backing device held for the lifetime of a target.
type Device interface {
	// Name is the identifier the device was opened with
	Name() string

	// ID is a stable identity used to key the attribute namespace
	ID() string

	// Close releases the device
	Close() error
}

// Resolver opens devices by identifier.
//
// Open returns an error wrapping ErrDeviceNotFound or ErrDeviceBusy for the
// two expected failure modes.
type Resolver interface {
	Open(name string) (Device, error)
}

// Endpoint is one backing device plus the base sector of the mapping on it.
type Endpoint struct {
	Device Device
	Start  uint64
}

// Name returns the device identifier.
func (e *Endpoint) Name() string {
	return e.Device.Name()
}

// translate converts a mapping-relative sector to a device-relative one.
func (e *Endpoint) translate(sector uint64) uint64 {
	return e.Start + sector
}

// bindEndpoint resolves a device and pairs it with its base offset.
func bindEndpoint(r Resolver, name string, start uint64) (*Endpoint, error) {
	dev, err := r.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Endpoint{Device: dev, Start: start}, nil
}

// release closes the endpoint's device. Safe on nil.
func (e *Endpoint) release() error {
	if e == nil || e.Device == nil {
		return nil
	}
	return e.Device.Close()
}
