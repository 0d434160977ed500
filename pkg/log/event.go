package log

import (
	"time"

	"github.com/google/uuid"
)

// Event is one record of instrument traffic.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the measurement session (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Op classifies the operation.
	Op Op `cbor:"3,keyasint"`

	// Instrument is the instrument name.
	Instrument string `cbor:"4,keyasint,omitempty"`

	// Parameter is the parameter name, when the event concerns one.
	Parameter string `cbor:"5,keyasint,omitempty"`

	// Value is the rendered value confirmed by the device.
	Value string `cbor:"6,keyasint,omitempty"`

	// Unit is the parameter's unit of measurement.
	Unit string `cbor:"7,keyasint,omitempty"`

	// Elapsed is how long the device I/O took.
	Elapsed time.Duration `cbor:"8,keyasint,omitempty"`

	// Error is the failure message for OpError events.
	Error string `cbor:"9,keyasint,omitempty"`
}

// Op classifies an event.
type Op uint8

const (
	// OpGet is a confirmed device read.
	OpGet Op = iota

	// OpSet is a confirmed device write.
	OpSet

	// OpStep is one intermediate write of a rate-limited set.
	OpStep

	// OpCall is an instrument function invocation.
	OpCall

	// OpCreate is an instrument joining the registry.
	OpCreate

	// OpRemove is an instrument leaving the registry.
	OpRemove

	// OpError is a failed operation.
	OpError
)

// String returns the operation name.
func (o Op) String() string {
	names := []string{"GET", "SET", "STEP", "CALL", "CREATE", "REMOVE", "ERROR"}
	if int(o) < len(names) {
		return names[o]
	}
	return "UNKNOWN"
}

// NewSessionID returns a fresh session identifier.
// One session typically spans one process lifetime.
func NewSessionID() string {
	return uuid.NewString()
}
