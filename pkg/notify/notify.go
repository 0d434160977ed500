// Package notify implements change-notification fan-out for instrument
// parameters. Observers are invoked synchronously in registration order;
// a failing observer is logged and skipped so that a display bug can
// never halt instrument control.
package notify

import (
	"log/slog"
	"sync"
)

// Observer receives parameter change events.
type Observer interface {
	// OnParameterChanged is called after a confirmed device read or write.
	OnParameterChanged(instrument, parameter string, value any)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(instrument, parameter string, value any)

// OnParameterChanged calls the function.
func (f ObserverFunc) OnParameterChanged(instrument, parameter string, value any) {
	f(instrument, parameter, value)
}

// Handle identifies a registered observer for later removal.
type Handle uint64

// Notifier dispatches parameter change events to an ordered observer set.
// It is safe for concurrent use.
type Notifier struct {
	mu     sync.RWMutex
	next   Handle
	items  []entry
	logger *slog.Logger
}

type entry struct {
	handle Handle
	obs    Observer
}

// New creates a notifier. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Observe registers an observer. Observers are notified in the order
// they were registered.
func (n *Notifier) Observe(obs Observer) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	n.items = append(n.items, entry{handle: n.next, obs: obs})
	return n.next
}

// Unobserve removes a previously registered observer.
// Removing an unknown handle is a no-op.
func (n *Notifier) Unobserve(h Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, e := range n.items {
		if e.handle == h {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.items)
}

// Notify dispatches one change event to all observers in order.
// An observer panic is recovered, logged and does not stop dispatch to
// the remaining observers.
func (n *Notifier) Notify(instrument, parameter string, value any) {
	n.mu.RLock()
	items := make([]entry, len(n.items))
	copy(items, n.items)
	n.mu.RUnlock()

	for _, e := range items {
		n.dispatch(e.obs, instrument, parameter, value)
	}
}

func (n *Notifier) dispatch(obs Observer, instrument, parameter string, value any) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("observer panicked",
				"instrument", instrument,
				"parameter", parameter,
				"panic", r)
		}
	}()
	obs.OnParameterChanged(instrument, parameter, value)
}
