// Package profile loads instrument profiles from YAML.
//
// A profile declares the parameters and metadata of one instrument
// type, so instruments can be created from a file instead of being
// wired up in code. Example:
//
//	kind: physical
//	tags: [smu, gpib]
//	parameters:
//	  - name: voltage
//	    type: float
//	    flags: [get, set, persist]
//	    min: -10
//	    max: 10
//	    maxstep: 0.5
//	    stepdelay: 10ms
//	    unit: V
package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qtlab/qtlab-go/pkg/param"
)

// ErrInvalidProfile marks a profile that parses but fails validation.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile describes one instrument type.
type Profile struct {
	Kind       string          `yaml:"kind"`
	Tags       []string        `yaml:"tags"`
	Doc        string          `yaml:"doc"`
	Parameters []ParameterDecl `yaml:"parameters"`
}

// ParameterDecl is the YAML form of one parameter declaration.
type ParameterDecl struct {
	Name          string   `yaml:"name"`
	Type          string   `yaml:"type"`
	Flags         []string `yaml:"flags"`
	Min           *float64 `yaml:"min"`
	Max           *float64 `yaml:"max"`
	MaxStep       float64  `yaml:"maxstep"`
	StepDelay     string   `yaml:"stepdelay"`
	Unit          string   `yaml:"unit"`
	Options       []string `yaml:"options"`
	Tags          []string `yaml:"tags"`
	Channels      []int    `yaml:"channels"`
	ChannelPrefix string   `yaml:"channel_prefix"`
	Doc           string   `yaml:"doc"`
}

var paramTypes = map[string]param.Type{
	"float":  param.TypeFloat,
	"int":    param.TypeInt,
	"bool":   param.TypeBool,
	"string": param.TypeString,
}

var paramFlags = map[string]param.Flag{
	"get":           param.FlagGet,
	"set":           param.FlagSet,
	"softget":       param.FlagSoftGet,
	"get_after_set": param.FlagGetAfterSet,
	"persist":       param.FlagPersist,
}

// Spec converts the declaration into a validated parameter spec.
func (d *ParameterDecl) Spec() (*param.Spec, error) {
	typ, ok := paramTypes[d.Type]
	if !ok {
		return nil, fmt.Errorf("%w: parameter %q: unknown type %q",
			ErrInvalidProfile, d.Name, d.Type)
	}

	var flags param.Flag
	for _, name := range d.Flags {
		f, ok := paramFlags[name]
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q: unknown flag %q",
				ErrInvalidProfile, d.Name, name)
		}
		flags |= f
	}

	spec := &param.Spec{
		Name:       d.Name,
		Type:       typ,
		Flags:      flags,
		MaxStep:    d.MaxStep,
		Unit:       d.Unit,
		Options:    append([]string(nil), d.Options...),
		Tags:       append([]string(nil), d.Tags...),
		Channels:   append([]int(nil), d.Channels...),
		ChannelFmt: d.ChannelPrefix,
		Doc:        d.Doc,
	}
	if d.Min != nil {
		spec.Min, spec.HasMin = *d.Min, true
	}
	if d.Max != nil {
		spec.Max, spec.HasMax = *d.Max, true
	}
	if d.StepDelay != "" {
		delay, err := time.ParseDuration(d.StepDelay)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: stepdelay: %v",
				ErrInvalidProfile, d.Name, err)
		}
		if delay < 0 {
			return nil, fmt.Errorf("%w: parameter %q: negative stepdelay",
				ErrInvalidProfile, d.Name)
		}
		spec.StepDelay = delay
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidProfile, d.Name, err)
	}
	return spec, nil
}

// Specs converts and validates every parameter declaration.
func (p *Profile) Specs() ([]*param.Spec, error) {
	specs := make([]*param.Spec, 0, len(p.Parameters))
	seen := make(map[string]bool)
	for i := range p.Parameters {
		spec, err := p.Parameters[i].Spec()
		if err != nil {
			return nil, err
		}
		for _, s := range spec.Expand() {
			if seen[s.Name] {
				return nil, fmt.Errorf("%w: duplicate parameter %q",
					ErrInvalidProfile, s.Name)
			}
			seen[s.Name] = true
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParameterAdder registers parameter specs. *instrument.Instrument
// implements it.
type ParameterAdder interface {
	AddParameter(spec *param.Spec) error
}

// Apply registers every declared parameter on the target.
func (p *Profile) Apply(target ParameterAdder) error {
	specs, err := p.Specs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := target.AddParameter(spec); err != nil {
			return err
		}
	}
	return nil
}

// Parse reads a profile from YAML data.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile parse error: %w", err)
	}
	if len(p.Parameters) == 0 {
		return nil, fmt.Errorf("%w: no parameters declared", ErrInvalidProfile)
	}
	// Surface declaration errors at load time, not at instrument setup.
	if _, err := p.Specs(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a profile from a reader.
func Load(r io.Reader) (*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a profile from the filesystem.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}
