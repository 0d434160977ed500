// Command qtlab-trace inspects CBOR trace logs recorded by qtlab.
//
// Usage:
//
//	qtlab-trace [flags] <trace-file>
//
// Flags:
//
//	-instrument string  Keep only events for this instrument
//	-parameter string   Keep only events for this parameter
//	-session string     Keep only events for this session ID
//	-errors             Keep only failed operations
//	-since duration     Keep only events from the last duration (e.g. 1h)
//
// Examples:
//
//	# Dump a whole trace
//	qtlab-trace session.qlog
//
//	# Show every failed operation on one instrument
//	qtlab-trace -instrument smu1 -errors session.qlog
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/qtlab/qtlab-go/pkg/log"
)

var (
	instrument = flag.String("instrument", "", "Keep only events for this instrument")
	parameter  = flag.String("parameter", "", "Keep only events for this parameter")
	session    = flag.String("session", "", "Keep only events for this session ID")
	errorsOnly = flag.Bool("errors", false, "Keep only failed operations")
	since      = flag.Duration("since", 0, "Keep only events from the last duration (e.g. 1h)")
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: qtlab-trace [flags] <trace-file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "qtlab-trace: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	filter := log.Filter{
		SessionID:  *session,
		Instrument: *instrument,
		Parameter:  *parameter,
		ErrorsOnly: *errorsOnly,
	}
	if *since > 0 {
		start := time.Now().Add(-*since)
		filter.TimeStart = &start
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return err
	}
	defer reader.Close()

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("after %d events: %w", count, err)
		}
		printEvent(event)
		count++
	}

	fmt.Printf("%d events\n", count)
	return nil
}

func printEvent(e log.Event) {
	target := e.Instrument
	if e.Parameter != "" {
		target += "." + e.Parameter
	}

	line := fmt.Sprintf("%s %-6s %s",
		e.Timestamp.Format("15:04:05.000"), e.Op, target)

	if e.Value != "" {
		line += " = " + e.Value
		if e.Unit != "" {
			line += " " + e.Unit
		}
	}
	if e.Elapsed > 0 {
		line += fmt.Sprintf(" (%s)", e.Elapsed)
	}
	if e.Error != "" {
		line += " ! " + e.Error
	}

	fmt.Println(line)
}
