package log

import (
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter specifies criteria for filtering trace events.
// Empty/nil fields match all events for that criterion.
type Filter struct {
	// SessionID filters by exact session ID match.
	SessionID string

	// Instrument filters by instrument name.
	Instrument string

	// Parameter filters by parameter name.
	Parameter string

	// Op filters by operation.
	Op *Op

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time

	// ErrorsOnly keeps only failed operations.
	ErrorsOnly bool
}

// matches returns true if the event matches all filter criteria.
func (f *Filter) matches(event Event) bool {
	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}
	if f.Instrument != "" && event.Instrument != f.Instrument {
		return false
	}
	if f.Parameter != "" && event.Parameter != f.Parameter {
		return false
	}
	if f.Op != nil && event.Op != *f.Op {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	if f.ErrorsOnly && event.Error == "" {
		return false
	}
	return true
}

// Reader reads trace events from a CBOR-encoded file.
// It provides an iterator interface for streaming large files.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader creates a Reader that reads all events from the specified trace file.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader creates a Reader that reads events matching the filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: NewDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next event that matches the filter.
// Returns io.EOF when no more events are available.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			if err == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		if r.filter.matches(event) {
			return event, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
