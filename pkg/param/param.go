package param

import (
	"sync"
	"time"
)

// Parameter is one live parameter instance: an immutable Spec shared with
// all channels expanded from the same template, plus per-instance state.
// The state starts unknown and is mutated only through the instrument
// get/set path.
type Parameter struct {
	mu      sync.RWMutex
	spec    *Spec
	value   any
	known   bool
	lastSet time.Time
	dirty   bool // cached value not yet confirmed by a device read
}

// New creates a parameter with unknown value from a validated spec.
func New(spec *Spec) *Parameter {
	return &Parameter{spec: spec}
}

// Spec returns the immutable spec.
func (p *Parameter) Spec() *Spec {
	return p.spec
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.spec.Name
}

// Value returns the cached value and whether one is known.
func (p *Parameter) Value() (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, p.known
}

// LastSet returns the wall-clock time of the last confirmed write.
func (p *Parameter) LastSet() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSet
}

// Dirty returns true if the cached value has not been confirmed by a
// device read since it was last written or restored.
func (p *Parameter) Dirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// RecordGet stores a value confirmed by a device read.
func (p *Parameter) RecordGet(value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = value
	p.known = true
	p.dirty = false
}

// RecordSet stores a value confirmed by a device write.
func (p *Parameter) RecordSet(value any, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = value
	p.known = true
	p.lastSet = at
	p.dirty = true
}

// Restore seeds the cache from durable storage without device traffic.
// The value stays dirty until a device read confirms it.
func (p *Parameter) Restore(value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = value
	p.known = true
	p.dirty = true
}

// Forget discards the cached value, e.g. after an instrument reset.
func (p *Parameter) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = nil
	p.known = false
	p.dirty = false
}
