// Package log provides structured event logging for instrument traffic.
//
// Every operation passing through the parameter layer (reads, writes,
// rate-limited ramp steps, function calls, registry changes) can be
// captured as an Event. The stream is separate from operational logging
// (slog): it is a complete machine-readable trace of what the lab setup
// did, suitable for replaying a measurement session or auditing a sweep.
//
// # Basic Usage
//
// Instruments accept any Logger implementation:
//
//	// For development: events on the console via slog
//	cfg.Events = log.NewSlogAdapter(slog.Default())
//
//	// For measurement sessions: append to a binary trace file
//	cfg.Events, _ = log.NewFileLogger("session.qlog")
//
//	// Both at once
//	cfg.Events = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// Trace files are a plain concatenation of CBOR-encoded events; Reader
// streams them back, optionally filtered.
package log
