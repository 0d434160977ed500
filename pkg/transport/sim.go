package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Sim is an in-memory transport backing simulated instruments and tests.
// It keeps a register map, records every write in order, and supports
// per-parameter error injection and an artificial I/O delay.
type Sim struct {
	mu      sync.Mutex
	values  map[string]string
	writes  []Write
	getErrs map[string]error
	setErrs map[string]error
	delay   time.Duration
	closed  bool
}

// Write is one recorded device write.
type Write struct {
	Param string
	Value string
}

// NewSim creates an empty simulated transport.
func NewSim() *Sim {
	return &Sim{
		values:  make(map[string]string),
		getErrs: make(map[string]error),
		setErrs: make(map[string]error),
	}
}

// Load seeds the register map.
func (s *Sim) Load(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

// FailGet makes reads of param fail with err. A nil err clears it.
func (s *Sim) FailGet(param string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.getErrs, param)
		return
	}
	s.getErrs[param] = err
}

// FailSet makes writes of param fail with err. A nil err clears it.
func (s *Sim) FailSet(param string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.setErrs, param)
		return
	}
	s.setErrs[param] = err
}

// SetDelay adds an artificial delay to every Get and Set.
func (s *Sim) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Writes returns the recorded writes in issue order.
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// ClearWrites discards the write log.
func (s *Sim) ClearWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// Get implements Transport.
func (s *Sim) Get(ctx context.Context, param string) (string, error) {
	if err := s.pause(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if err, ok := s.getErrs[param]; ok {
		return "", err
	}
	v, ok := s.values[param]
	if !ok {
		return "", Devicef("no such register %q", param)
	}
	return v, nil
}

// Set implements Transport.
func (s *Sim) Set(ctx context.Context, param, value string) error {
	if err := s.pause(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err, ok := s.setErrs[param]; ok {
		return err
	}
	s.values[param] = value
	s.writes = append(s.writes, Write{Param: param, Value: value})
	return nil
}

// Close implements Transport. Subsequent I/O fails with ErrClosed.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) pause(ctx context.Context) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDevice, ctx.Err())
	}
}

// Compile-time interface satisfaction check.
var _ Transport = (*Sim)(nil)
