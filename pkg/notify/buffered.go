package notify

import (
	"log/slog"
	"sync"
)

// BufferedObserver decouples a slow observer from the instrument I/O
// path. Events are queued on a bounded channel and delivered by a
// background goroutine; when the queue is full the event is dropped and
// logged rather than blocking a get/set call.
type BufferedObserver struct {
	obs    Observer
	ch     chan event
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type event struct {
	instrument string
	parameter  string
	value      any
}

// Buffered wraps obs in a queue of the given size and starts its
// delivery goroutine. Close must be called to stop it.
func Buffered(obs Observer, size int, logger *slog.Logger) *BufferedObserver {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &BufferedObserver{
		obs:    obs,
		ch:     make(chan event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// OnParameterChanged queues the event without blocking.
func (b *BufferedObserver) OnParameterChanged(instrument, parameter string, value any) {
	select {
	case b.ch <- event{instrument: instrument, parameter: parameter, value: value}:
	default:
		b.logger.Warn("observer queue full, dropping event",
			"instrument", instrument,
			"parameter", parameter)
	}
}

// Close stops the delivery goroutine after draining queued events.
func (b *BufferedObserver) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
		<-b.done
	})
}

func (b *BufferedObserver) run() {
	defer close(b.done)
	for e := range b.ch {
		b.deliver(e)
	}
}

func (b *BufferedObserver) deliver(e event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked",
				"instrument", e.instrument,
				"parameter", e.parameter,
				"panic", r)
		}
	}()
	b.obs.OnParameterChanged(e.instrument, e.parameter, e.value)
}

// Compile-time interface satisfaction check.
var _ Observer = (*BufferedObserver)(nil)
