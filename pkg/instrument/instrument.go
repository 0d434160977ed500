package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qtlab/qtlab-go/pkg/log"
	"github.com/qtlab/qtlab-go/pkg/notify"
	"github.com/qtlab/qtlab-go/pkg/param"
	"github.com/qtlab/qtlab-go/pkg/ramp"
	"github.com/qtlab/qtlab-go/pkg/transport"
)

// Settings is the durable per-instrument value store used for
// persist-flagged parameters. persistence.Store implements it.
type Settings interface {
	// Load returns the persisted values for one instrument.
	Load(instrument string) (map[string]any, error)

	// Save replaces the persisted values for one instrument.
	Save(instrument string, values map[string]any) error
}

// Instrument errors.
var (
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrDuplicateInstrument = errors.New("duplicate instrument")
	ErrUnknownParameter    = errors.New("unknown parameter")
	ErrDuplicateParameter  = errors.New("duplicate parameter")
	ErrUnknownFunction     = errors.New("unknown function")
	ErrClosed              = errors.New("instrument closed")
)

// Kind classifies an instrument.
type Kind string

const (
	KindPhysical   Kind = "physical"
	KindVirtual    Kind = "virtual"
	KindPositioner Kind = "positioner"
)

// Config assembles an instrument.
type Config struct {
	// Name is the unique instrument name.
	Name string

	// Kind classifies the instrument. Defaults to KindPhysical.
	Kind Kind

	// Tags are free-form classification tags.
	Tags []string

	// Transport is the device adapter. Required.
	Transport transport.Transport

	// Bus is the shared physical link lock, when the transport shares
	// one with other instruments. Optional.
	Bus *transport.Bus

	// Notifier receives change notifications. A private notifier is
	// created when nil.
	Notifier *notify.Notifier

	// Settings stores persistent parameter values. Optional; without it
	// persist-flagged parameters behave like ordinary ones.
	Settings Settings

	// Events captures instrument traffic. Defaults to NoopLogger.
	Events log.Logger

	// SessionID tags trace events. Defaults to a fresh session.
	SessionID string

	// Logger is the diagnostics logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Instrument is the logical handle to one device: a parameter table, a
// function table and the transport they drive.
type Instrument struct {
	mu sync.RWMutex

	name string
	kind Kind
	tags []string

	params map[string]*param.Parameter
	order  []string // registration order
	funcs  map[string]*Function

	tr       transport.Transport
	bus      *transport.Bus
	notifier *notify.Notifier
	settings Settings
	events   log.Logger
	session  string
	logger   *slog.Logger

	closed bool
}

// New creates an instrument from the given configuration.
func New(cfg Config) (*Instrument, error) {
	if cfg.Name == "" {
		return nil, errors.New("instrument: empty name")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("instrument %s: nil transport", cfg.Name)
	}
	if cfg.Kind == "" {
		cfg.Kind = KindPhysical
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.New(cfg.Logger)
	}
	if cfg.Events == nil {
		cfg.Events = log.NoopLogger{}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = log.NewSessionID()
	}

	return &Instrument{
		name:     cfg.Name,
		kind:     cfg.Kind,
		tags:     append([]string(nil), cfg.Tags...),
		params:   make(map[string]*param.Parameter),
		funcs:    make(map[string]*Function),
		tr:       cfg.Transport,
		bus:      cfg.Bus,
		notifier: cfg.Notifier,
		settings: cfg.Settings,
		events:   cfg.Events,
		session:  cfg.SessionID,
		logger:   cfg.Logger,
	}, nil
}

// Name returns the instrument name.
func (in *Instrument) Name() string { return in.name }

// Kind returns the instrument kind.
func (in *Instrument) Kind() Kind { return in.kind }

// Tags returns the instrument tags.
func (in *Instrument) Tags() []string {
	return append([]string(nil), in.tags...)
}

// HasTag returns true if the instrument carries the given tag.
func (in *Instrument) HasTag(tag string) bool {
	for _, t := range in.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Notifier returns the change notifier for observer registration.
func (in *Instrument) Notifier() *notify.Notifier { return in.notifier }

// AddParameter declares a parameter. Channel templates expand into
// independent per-channel parameters. Registration fails if any name
// (expanded names included) already exists on the instrument.
func (in *Instrument) AddParameter(spec *param.Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("instrument %s: %w", in.name, err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	expanded := spec.Expand()
	for _, s := range expanded {
		if _, exists := in.params[s.Name]; exists {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateParameter, in.name, s.Name)
		}
	}
	for _, s := range expanded {
		in.params[s.Name] = param.New(s)
		in.order = append(in.order, s.Name)
	}
	return nil
}

// Parameter returns the live parameter instance by name.
func (in *Instrument) Parameter(name string) (*param.Parameter, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	p, exists := in.params[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownParameter, in.name, name)
	}
	return p, nil
}

// Parameters returns all parameters in registration order.
func (in *Instrument) Parameters() []*param.Parameter {
	in.mu.RLock()
	defer in.mu.RUnlock()

	out := make([]*param.Parameter, 0, len(in.order))
	for _, name := range in.order {
		out = append(out, in.params[name])
	}
	return out
}

// Get reads one parameter.
//
// Unless the spec is soft-get with a known cached value, the raw value
// is read from the device under the bus lock and cast to the declared
// type. The cache is updated and, unless the Fast option is given, a
// change notification fires exactly once, even if the value is
// unchanged, since the read confirms current device state.
func (in *Instrument) Get(ctx context.Context, name string, opts ...Option) (any, error) {
	o := applyOptions(opts)

	if err := in.checkOpen(); err != nil {
		return nil, err
	}
	p, err := in.Parameter(name)
	if err != nil {
		return nil, err
	}
	spec := p.Spec()
	if !spec.Flags.CanGet() {
		return nil, fmt.Errorf("%s.%s: %w", in.name, name, param.ErrNotReadable)
	}

	// Soft-get parameters answer from cache when possible.
	if spec.Flags.SoftGet() {
		if v, known := p.Value(); known {
			return v, nil
		}
	}

	if err := in.acquireBus(ctx); err != nil {
		return nil, err
	}
	defer in.releaseBus()

	start := time.Now()
	raw, err := in.tr.Get(ctx, name)
	if err != nil {
		err = fmt.Errorf("get %s.%s: %w", in.name, name, err)
		in.logError(name, err)
		return nil, err
	}

	val, err := spec.Cast(raw)
	if err != nil {
		err = fmt.Errorf("get %s: %w", in.name, err)
		in.logError(name, err)
		return nil, err
	}

	p.RecordGet(val)
	in.logEvent(log.OpGet, spec, val, time.Since(start))
	if !o.fast {
		in.notifier.Notify(in.name, name, val)
	}
	return val, nil
}

// Result is one element of a batch get.
type Result struct {
	Name  string
	Value any
	Err   error
}

// GetMany reads parameters in the given order. A failure on one name
// does not abort the rest: the error is attached at that position and
// the remaining reads proceed. Callers that consider any failure fatal
// can check every Result.Err.
func (in *Instrument) GetMany(ctx context.Context, names []string, opts ...Option) []Result {
	results := make([]Result, len(names))
	for i, name := range names {
		v, err := in.Get(ctx, name, opts...)
		results[i] = Result{Name: name, Value: v, Err: err}
	}
	return results
}

// Set writes one parameter.
//
// The target is cast to the declared type and validated against bounds
// and options before any device traffic. Rate-limited parameters are
// ramped: the change decomposes into steps of at most MaxStep with
// StepDelay between device writes, and each completed write updates the
// cache and notifies observers, keeping them consistent with real
// device state. A device failure mid-ramp aborts the remaining steps
// and leaves the cache at the last successfully written value.
//
// After a successful device write, get-after-set parameters are read
// back from the device and persist-flagged parameters are saved to the
// settings store. The save happens even when the readback fails, since
// the write itself has already taken effect.
func (in *Instrument) Set(ctx context.Context, name string, value any, opts ...Option) error {
	o := applyOptions(opts)

	if err := in.checkOpen(); err != nil {
		return err
	}
	p, err := in.Parameter(name)
	if err != nil {
		return err
	}
	spec := p.Spec()
	if !spec.Flags.CanSet() {
		return fmt.Errorf("%s.%s: %w", in.name, name, param.ErrNotWritable)
	}

	target, err := spec.Cast(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", in.name, err)
	}

	if err := in.acquireBus(ctx); err != nil {
		return err
	}
	defer in.releaseBus()

	if plan, ok := in.rampPlan(p, spec, target); ok {
		if err := in.runRamp(ctx, p, spec, plan, o); err != nil {
			return err
		}
	} else {
		if err := in.writeStep(ctx, p, spec, target, log.OpSet, o); err != nil {
			return err
		}
	}

	var backErr error
	if spec.Flags.GetAfterSet() {
		backErr = in.readBack(ctx, p, spec, o)
	}

	// The device write succeeded; save even when the readback did not,
	// so a confirmed value is never lost from the settings store.
	if spec.Flags.Persist() {
		in.saveSettings()
	}
	return backErr
}

// rampPlan returns the stepped write plan for a rate-limited change.
// Ramping needs a known numeric starting point; without one the write
// goes out directly.
func (in *Instrument) rampPlan(p *param.Parameter, spec *param.Spec, target any) ([]float64, bool) {
	if !spec.RateLimited() {
		return nil, false
	}
	current, known := p.Value()
	if !known {
		return nil, false
	}
	from, ok := param.AsFloat64(current)
	if !ok {
		return nil, false
	}
	to, ok := param.AsFloat64(target)
	if !ok {
		return nil, false
	}

	plan, err := ramp.Plan(from, to, spec.MaxStep)
	if err != nil || len(plan) == 0 {
		return nil, false
	}
	return plan, true
}

func (in *Instrument) runRamp(ctx context.Context, p *param.Parameter, spec *param.Spec, plan []float64, o callOpts) error {
	_, err := ramp.Run(ctx, plan, spec.StepDelay, func(ctx context.Context, v float64) error {
		step, err := spec.Cast(v)
		if err != nil {
			return fmt.Errorf("set %s: %w", in.name, err)
		}
		return in.writeStep(ctx, p, spec, step, log.OpStep, o)
	})
	return err
}

// writeStep issues one device write and publishes its outcome.
func (in *Instrument) writeStep(ctx context.Context, p *param.Parameter, spec *param.Spec, value any, op log.Op, o callOpts) error {
	start := time.Now()
	if err := in.tr.Set(ctx, spec.Name, spec.Format(value)); err != nil {
		err = fmt.Errorf("set %s.%s: %w", in.name, spec.Name, err)
		in.logError(spec.Name, err)
		return err
	}

	p.RecordSet(value, time.Now())
	in.logEvent(op, spec, value, time.Since(start))
	if !o.fast {
		in.notifier.Notify(in.name, spec.Name, value)
	}
	return nil
}

// readBack confirms a write by re-reading the device value.
func (in *Instrument) readBack(ctx context.Context, p *param.Parameter, spec *param.Spec, o callOpts) error {
	start := time.Now()
	raw, err := in.tr.Get(ctx, spec.Name)
	if err != nil {
		err = fmt.Errorf("get %s.%s: %w", in.name, spec.Name, err)
		in.logError(spec.Name, err)
		return err
	}
	val, err := spec.Cast(raw)
	if err != nil {
		err = fmt.Errorf("get %s: %w", in.name, err)
		in.logError(spec.Name, err)
		return err
	}

	p.RecordGet(val)
	in.logEvent(log.OpGet, spec, val, time.Since(start))
	if !o.fast {
		in.notifier.Notify(in.name, spec.Name, val)
	}
	return nil
}

// saveSettings snapshots all persist-flagged parameters with known
// values into the settings store.
func (in *Instrument) saveSettings() {
	if in.settings == nil {
		return
	}

	in.mu.RLock()
	values := make(map[string]any)
	for _, name := range in.order {
		p := in.params[name]
		if !p.Spec().Flags.Persist() {
			continue
		}
		if v, known := p.Value(); known {
			values[name] = v
		}
	}
	in.mu.RUnlock()

	if err := in.settings.Save(in.name, values); err != nil {
		in.logger.Error("settings save failed", "instrument", in.name, "error", err)
	}
}

// RestoreSettings seeds the parameter cache from the settings store.
// Restored values stay dirty until confirmed by a device read; no
// device traffic happens here.
func (in *Instrument) RestoreSettings() error {
	if in.settings == nil {
		return nil
	}

	values, err := in.settings.Load(in.name)
	if err != nil {
		return fmt.Errorf("restore %s: %w", in.name, err)
	}

	for name, raw := range values {
		p, err := in.Parameter(name)
		if err != nil {
			in.logger.Warn("persisted value for unknown parameter",
				"instrument", in.name, "parameter", name)
			continue
		}
		val, err := p.Spec().Cast(raw)
		if err != nil {
			in.logger.Warn("persisted value does not cast",
				"instrument", in.name, "parameter", name, "error", err)
			continue
		}
		p.Restore(val)
	}
	return nil
}

// Close releases the transport. Idempotent.
func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil
	}
	in.closed = true
	return in.tr.Close()
}

func (in *Instrument) checkOpen() error {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.closed {
		return fmt.Errorf("%s: %w", in.name, ErrClosed)
	}
	return nil
}

func (in *Instrument) acquireBus(ctx context.Context) error {
	if in.bus == nil {
		return nil
	}
	return in.bus.Acquire(ctx)
}

func (in *Instrument) releaseBus() {
	if in.bus != nil {
		in.bus.Release()
	}
}

func (in *Instrument) logEvent(op log.Op, spec *param.Spec, value any, elapsed time.Duration) {
	in.events.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  in.session,
		Op:         op,
		Instrument: in.name,
		Parameter:  spec.Name,
		Value:      spec.Format(value),
		Unit:       spec.Unit,
		Elapsed:    elapsed,
	})
}

func (in *Instrument) logError(parameter string, err error) {
	in.events.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  in.session,
		Op:         log.OpError,
		Instrument: in.name,
		Parameter:  parameter,
		Error:      err.Error(),
	})
}
