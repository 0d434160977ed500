// Package transport defines the device I/O boundary of the parameter
// layer. A Transport adapter speaks whatever wire protocol its device
// needs (GPIB, serial, VXI-11, ...) and exposes raw string-valued
// register access; the parameter layer never interprets protocol bytes.
//
// Instruments that share one physical link (a GPIB chain, a multiplexed
// serial port) attach the same Bus, which serializes whole get/set
// operations so device I/O is never interleaved.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDevice marks device communication failures. The parameter layer
	// never retries these; retry policy belongs to the caller.
	ErrDevice = errors.New("device communication error")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport is the device adapter for one instrument. Raw values use the
// device's own string representation; casting happens above this layer.
// Implementations must honor ctx cancellation on blocking I/O.
type Transport interface {
	// Get reads the raw value of one parameter from the device.
	Get(ctx context.Context, param string) (string, error)

	// Set writes the raw value of one parameter to the device.
	Set(ctx context.Context, param, value string) error

	// Close releases the underlying connection.
	Close() error
}

// Devicef wraps an underlying I/O error as a device communication error.
func Devicef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDevice, fmt.Sprintf(format, args...))
}

// Bus is an exclusive lock for one shared physical link. The holder keeps
// it for an entire get or set operation, including every rate-limited
// sub-step, so concurrent instruments on the same chain cannot interleave
// their device traffic.
type Bus struct {
	name string
	sem  chan struct{}
}

// NewBus creates a named bus lock, e.g. NewBus("gpib0").
func NewBus(name string) *Bus {
	return &Bus{
		name: name,
		sem:  make(chan struct{}, 1),
	}
}

// Name returns the bus name.
func (b *Bus) Name() string {
	return b.name
}

// Acquire takes the bus, blocking until it is free or ctx is done.
func (b *Bus) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus %s: %w", b.name, ctx.Err())
	}
}

// Release frees the bus. Must follow a successful Acquire.
func (b *Bus) Release() {
	select {
	case <-b.sem:
	default:
		panic("transport: release of unheld bus " + b.name)
	}
}
