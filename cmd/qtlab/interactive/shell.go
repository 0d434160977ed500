// Package interactive provides the interactive command-line interface
// for the qtlab instrument console.
package interactive

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/qtlab/qtlab-go/pkg/discovery"
	"github.com/qtlab/qtlab-go/pkg/instrument"
	"github.com/qtlab/qtlab-go/pkg/log"
	"github.com/qtlab/qtlab-go/pkg/notify"
	"github.com/qtlab/qtlab-go/pkg/param"
	"github.com/qtlab/qtlab-go/pkg/profile"
	"github.com/qtlab/qtlab-go/pkg/transport"
)

// Config wires the shell to the session's shared components.
type Config struct {
	Registry *instrument.Registry
	Notifier *notify.Notifier
	Settings instrument.Settings
	Events   log.Logger

	// ProfileDir is where bare profile names are resolved.
	ProfileDir string
}

// Shell handles interactive mode for qtlab.
type Shell struct {
	config Config
	rl     *readline.Instance

	watching  bool
	watchStop func()
}

// New creates a new interactive shell.
func New(config Config) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "qtlab> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Shell{config: config, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use this for log output to avoid clobbering the input line.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that coordinates with the readline prompt.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "create", "c":
			s.cmdCreate(ctx, args)

		case "remove", "rm":
			s.cmdRemove(args)

		case "list", "l":
			s.cmdList()

		case "params", "p":
			s.cmdParams(args)

		case "get", "g":
			s.cmdGet(ctx, args)

		case "set":
			s.cmdSet(ctx, args)

		case "call":
			s.cmdCall(ctx, args)

		case "restore":
			s.cmdRestore(args)

		case "watch", "w":
			s.cmdWatch(args)

		case "discover", "d":
			s.cmdDiscover(ctx, args)

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
qtlab Commands:
  Instruments:
    create <name> <profile>   - Create an instrument from a profile file
    remove <name>             - Remove an instrument
    list                      - List instruments
    params <name>             - List an instrument's parameters

  Values:
    get <name> <param>        - Read a parameter from the device
    set <name> <param> <val>  - Write a parameter (ramped if rate-limited)
    call <name> <function>    - Invoke an instrument function
    restore <name>            - Restore persisted parameter values

  Session:
    watch on|off              - Print parameter changes as they happen
    discover [service]        - Browse mDNS for LXI instruments
    help                      - Show this help
    quit                      - Exit

  Profiles are YAML files; bare names resolve in the profile directory.`)
}

// cmdCreate handles the create command.
func (s *Shell) cmdCreate(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: create <name> <profile>")
		fmt.Fprintln(s.rl.Stdout(), "  Example: create smu1 keithley2400.yaml")
		return
	}
	name := args[0]

	path := args[1]
	if !strings.ContainsRune(path, filepath.Separator) && s.config.ProfileDir != "" {
		path = filepath.Join(s.config.ProfileDir, path)
	}

	prof, err := profile.LoadFile(path)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to load profile: %v\n", err)
		return
	}

	inst, err := s.config.Registry.Create(ctx, name, s.profileFactory(prof))
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to create instrument: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Created %s (%d parameters)\n", name, len(inst.Parameters()))
}

// profileFactory builds instruments backed by a simulated transport,
// seeded so every readable parameter answers immediately.
func (s *Shell) profileFactory(prof *profile.Profile) instrument.Factory {
	return func(ctx context.Context, name string) (*instrument.Instrument, error) {
		sim := transport.NewSim()
		seedSim(sim, prof)

		inst, err := instrument.New(instrument.Config{
			Name:      name,
			Kind:      instrument.Kind(prof.Kind),
			Tags:      prof.Tags,
			Transport: sim,
			Notifier:  s.config.Notifier,
			Settings:  s.config.Settings,
			Events:    s.config.Events,
			SessionID: s.config.Registry.SessionID(),
		})
		if err != nil {
			return nil, err
		}
		if err := prof.Apply(inst); err != nil {
			return nil, err
		}
		if err := inst.RestoreSettings(); err != nil {
			return nil, err
		}
		return inst, nil
	}
}

// seedSim gives every readable parameter an initial raw value.
func seedSim(sim *transport.Sim, prof *profile.Profile) {
	values := make(map[string]string)
	for _, decl := range prof.Parameters {
		spec, err := decl.Spec()
		if err != nil {
			continue
		}
		for _, expanded := range spec.Expand() {
			if !expanded.Flags.CanGet() {
				continue
			}
			values[expanded.Name] = initialRaw(expanded)
		}
	}
	sim.Load(values)
}

func initialRaw(spec *param.Spec) string {
	switch spec.Type {
	case param.TypeFloat, param.TypeInt:
		if spec.HasMin && spec.Min > 0 {
			return spec.Format(spec.Min)
		}
		if spec.HasMax && spec.Max < 0 {
			return spec.Format(spec.Max)
		}
		return "0"
	case param.TypeBool:
		return "0"
	default:
		if len(spec.Options) > 0 {
			return spec.Options[0]
		}
		return ""
	}
}

// cmdRemove handles the remove command.
func (s *Shell) cmdRemove(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: remove <name>")
		return
	}
	if err := s.config.Registry.Remove(args[0]); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to remove: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "Removed")
}

// cmdList handles the list command.
func (s *Shell) cmdList() {
	names := s.config.Registry.List()
	if len(names) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No instruments")
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "\nInstruments (%d):\n", len(names))
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	for _, name := range names {
		inst, err := s.config.Registry.Get(name)
		if err != nil {
			continue
		}
		tags := ""
		if len(inst.Tags()) > 0 {
			tags = " [" + strings.Join(inst.Tags(), ",") + "]"
		}
		fmt.Fprintf(s.rl.Stdout(), "  %-16s %s%s\n", name, inst.Kind(), tags)
	}
	fmt.Fprintln(s.rl.Stdout())
}

// cmdParams handles the params command.
func (s *Shell) cmdParams(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: params <name>")
		return
	}

	inst, err := s.config.Registry.Get(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "\nParameters of %s:\n", inst.Name())
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	for _, p := range inst.Parameters() {
		spec := p.Spec()

		value := "?"
		if v, known := p.Value(); known {
			value = spec.Format(v)
			if p.Dirty() {
				value += " (unconfirmed)"
			}
		}

		bounds := ""
		if spec.HasMin || spec.HasMax {
			lo, hi := "-inf", "+inf"
			if spec.HasMin {
				lo = spec.Format(spec.Min)
			}
			if spec.HasMax {
				hi = spec.Format(spec.Max)
			}
			bounds = fmt.Sprintf(" range [%s, %s]", lo, hi)
		}

		unit := spec.Unit
		if unit != "" {
			unit = " " + unit
		}

		fmt.Fprintf(s.rl.Stdout(), "  %-20s [%s] = %s%s%s\n",
			spec.Name, spec.Flags, value, unit, bounds)
	}

	if funcs := inst.Functions(); len(funcs) > 0 {
		sort.Strings(funcs)
		fmt.Fprintf(s.rl.Stdout(), "  Functions: %s\n", strings.Join(funcs, ", "))
	}
	fmt.Fprintln(s.rl.Stdout())
}

// cmdGet handles the get command.
func (s *Shell) cmdGet(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: get <name> <param>")
		fmt.Fprintln(s.rl.Stdout(), "  Example: get smu1 voltage")
		return
	}

	inst, err := s.config.Registry.Get(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	value, err := inst.Get(ctx, args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Get failed: %v\n", err)
		return
	}

	s.printValue(inst, args[1], value)
}

// cmdSet handles the set command.
func (s *Shell) cmdSet(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: set <name> <param> <value>")
		fmt.Fprintln(s.rl.Stdout(), "  Example: set smu1 voltage 2.5")
		return
	}

	inst, err := s.config.Registry.Get(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	// The raw string goes straight in; the parameter's own cast is the
	// single place where value parsing happens.
	raw := strings.Trim(strings.Join(args[2:], " "), "\"'")
	if err := inst.Set(ctx, args[1], raw); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Set failed: %v\n", err)
		return
	}

	fmt.Fprintln(s.rl.Stdout(), "OK")
}

// cmdCall handles the call command.
func (s *Shell) cmdCall(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: call <name> <function>")
		return
	}

	inst, err := s.config.Registry.Get(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	result, err := inst.Call(ctx, args[1], nil)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Call failed: %v\n", err)
		return
	}
	if result != nil {
		fmt.Fprintf(s.rl.Stdout(), "%v\n", result)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "OK")
}

// cmdRestore handles the restore command.
func (s *Shell) cmdRestore(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: restore <name>")
		return
	}

	inst, err := s.config.Registry.Get(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	if err := inst.RestoreSettings(); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Restore failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "Restored")
}

// cmdWatch handles the watch command.
func (s *Shell) cmdWatch(args []string) {
	if len(args) < 1 {
		state := "off"
		if s.watching {
			state = "on"
		}
		fmt.Fprintf(s.rl.Stdout(), "Watch is %s (usage: watch on|off)\n", state)
		return
	}

	switch args[0] {
	case "on":
		if s.watching {
			fmt.Fprintln(s.rl.Stdout(), "Already watching")
			return
		}
		handle := s.config.Notifier.Observe(notify.ObserverFunc(s.printChange))
		s.watchStop = func() { s.config.Notifier.Unobserve(handle) }
		s.watching = true
		fmt.Fprintln(s.rl.Stdout(), "Watching parameter changes")

	case "off":
		if !s.watching {
			fmt.Fprintln(s.rl.Stdout(), "Not watching")
			return
		}
		s.watchStop()
		s.watchStop = nil
		s.watching = false
		fmt.Fprintln(s.rl.Stdout(), "Stopped watching")

	default:
		fmt.Fprintln(s.rl.Stdout(), "Usage: watch on|off")
	}
}

// printChange displays one parameter change event.
func (s *Shell) printChange(instName, paramName string, value any) {
	fmt.Fprintf(s.rl.Stdout(), "\n[%s] %s.%s = %v\n",
		time.Now().Format("15:04:05"), instName, paramName, value)
	s.rl.Refresh()
}

func (s *Shell) printValue(inst *instrument.Instrument, name string, value any) {
	unit := ""
	if p, err := inst.Parameter(name); err == nil {
		unit = p.Spec().Unit
	}
	if unit != "" {
		fmt.Fprintf(s.rl.Stdout(), "%s = %v %s\n", name, value, unit)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "%s = %v\n", name, value)
}

// cmdDiscover handles the discover command.
func (s *Shell) cmdDiscover(ctx context.Context, args []string) {
	service := discovery.ServiceLXI
	if len(args) > 0 {
		service = args[0]
	}

	fmt.Fprintf(s.rl.Stdout(), "Browsing %s for 5s...\n", service)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	browser := discovery.NewBrowser(discovery.BrowserConfig{})
	results, err := browser.Browse(ctx, service)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Browse failed: %v\n", err)
		return
	}

	found := 0
	for svc := range results {
		found++
		addr := ""
		if len(svc.Addresses) > 0 {
			addr = fmt.Sprintf(" @ %s:%d", svc.Addresses[0], svc.Port)
		}
		fmt.Fprintf(s.rl.Stdout(), "  %s%s\n", svc.Identity(), addr)
	}
	if found == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No instruments found")
	}
}
