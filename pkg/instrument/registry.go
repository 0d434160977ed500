package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qtlab/qtlab-go/pkg/log"
)

// Factory builds one instrument: it creates the transport, declares the
// parameter table and returns the assembled instrument. Factories run
// outside the registry lock, so slow device initialization does not
// stall other registry calls.
type Factory func(ctx context.Context, name string) (*Instrument, error)

// Registry is the named collection of live instruments for one session.
// It owns its entries: Remove closes the instrument's transport, and an
// instrument never outlives its registry entry. The registry is created
// explicitly and passed by reference to whatever needs it.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
	order       []string
	events      log.Logger
	session     string
	logger      *slog.Logger
}

// RegistryConfig assembles a registry.
type RegistryConfig struct {
	// Events captures registry traffic. Defaults to NoopLogger.
	Events log.Logger

	// SessionID tags trace events. Defaults to a fresh session.
	SessionID string

	// Logger is the diagnostics logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Events == nil {
		cfg.Events = log.NoopLogger{}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = log.NewSessionID()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		instruments: make(map[string]*Instrument),
		events:      cfg.Events,
		session:     cfg.SessionID,
		logger:      cfg.Logger,
	}
}

// SessionID returns the session identifier shared with created instruments.
func (r *Registry) SessionID() string { return r.session }

// Create builds and registers an instrument. It fails with
// ErrDuplicateInstrument if the name is taken; the existing instrument
// stays untouched. The name is reserved while the factory runs, so two
// concurrent Create calls for one name produce exactly one instrument.
func (r *Registry) Create(ctx context.Context, name string, factory Factory) (*Instrument, error) {
	if name == "" {
		return nil, errors.New("registry: empty name")
	}

	r.mu.Lock()
	if _, exists := r.instruments[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInstrument, name)
	}
	// Reserve the name before running the factory.
	r.instruments[name] = nil
	r.mu.Unlock()

	inst, err := factory(ctx, name)
	if err == nil && inst == nil {
		err = errors.New("factory returned no instrument")
	}
	if err == nil && inst.Name() != name {
		inst.Close()
		err = fmt.Errorf("factory built %q instead of %q", inst.Name(), name)
	}

	r.mu.Lock()
	if err != nil {
		delete(r.instruments, name)
		r.mu.Unlock()
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	r.instruments[name] = inst
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logOp(log.OpCreate, name)
	r.logger.Info("instrument created", "name", name, "kind", inst.Kind())
	return inst, nil
}

// Get returns a registered instrument by name.
func (r *Registry) Get(name string) (*Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instruments[name]
	if !exists || inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, name)
	}
	return inst, nil
}

// Remove detaches an instrument and closes its transport.
// Subsequent lookups fail with ErrUnknownInstrument.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	inst, exists := r.instruments[name]
	if !exists || inst == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, name)
	}
	delete(r.instruments, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	err := inst.Close()
	r.logOp(log.OpRemove, name)
	r.logger.Info("instrument removed", "name", name)
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// List returns the registered instrument names in creation order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// WithTag returns all instruments carrying the given tag, in creation order.
func (r *Registry) WithTag(tag string) []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instrument
	for _, name := range r.order {
		if inst := r.instruments[name]; inst != nil && inst.HasTag(tag) {
			out = append(out, inst)
		}
	}
	return out
}

// Close removes every instrument, closing all transports.
// The first close error is returned; removal continues regardless.
func (r *Registry) Close() error {
	var firstErr error
	for _, name := range r.List() {
		if err := r.Remove(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) logOp(op log.Op, name string) {
	r.events.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  r.session,
		Op:         op,
		Instrument: name,
	})
}
