package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/qtlab/qtlab-go/pkg/log"
)

// Handler implements one instrument function.
// The args map carries function-specific arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Function is a named device operation that is not a parameter,
// e.g. "beep" or "reset".
type Function struct {
	name    string
	doc     string
	handler Handler
}

// NewFunction creates a function with the given handler.
func NewFunction(name, doc string, handler Handler) *Function {
	return &Function{name: name, doc: doc, handler: handler}
}

// Name returns the function name.
func (f *Function) Name() string { return f.name }

// Doc returns the human-readable description.
func (f *Function) Doc() string { return f.doc }

// AddFunction registers a function on the instrument.
func (in *Instrument) AddFunction(f *Function) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, exists := in.funcs[f.name]; exists {
		return fmt.Errorf("duplicate function %s.%s", in.name, f.name)
	}
	in.funcs[f.name] = f
	return nil
}

// Functions returns the registered function names.
func (in *Instrument) Functions() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()

	names := make([]string, 0, len(in.funcs))
	for name := range in.funcs {
		names = append(names, name)
	}
	return names
}

// Call invokes a function by name. The call holds the bus lock, since
// functions typically issue device I/O through the same transport.
func (in *Instrument) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := in.checkOpen(); err != nil {
		return nil, err
	}

	in.mu.RLock()
	f, exists := in.funcs[name]
	in.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFunction, in.name, name)
	}

	if err := in.acquireBus(ctx); err != nil {
		return nil, err
	}
	defer in.releaseBus()

	start := time.Now()
	result, err := f.handler(ctx, args)
	if err != nil {
		err = fmt.Errorf("call %s.%s: %w", in.name, name, err)
		in.logError(name, err)
		return nil, err
	}

	in.events.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  in.session,
		Op:         log.OpCall,
		Instrument: in.name,
		Parameter:  name,
		Elapsed:    time.Since(start),
	})
	return result, nil
}
