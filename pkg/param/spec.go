package param

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Parameter errors.
var (
	ErrTypeCast    = errors.New("value cannot be cast to declared type")
	ErrOutOfRange  = errors.New("value out of range")
	ErrNotReadable = errors.New("parameter is not readable")
	ErrNotWritable = errors.New("parameter is not writable")
	ErrInvalidSpec = errors.New("invalid parameter spec")
)

// Type is the declared value type of a parameter.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeFloat
	TypeInt
	TypeBool
	TypeString
)

// String returns the type name.
func (t Type) String() string {
	names := []string{"unknown", "float", "int", "bool", "string"}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// Numeric returns true for types that support bounds and rate limiting.
func (t Type) Numeric() bool {
	return t == TypeFloat || t == TypeInt
}

// Flag holds the access flags of a parameter.
type Flag uint8

const (
	// FlagGet allows reading the parameter from the device.
	FlagGet Flag = 1 << iota

	// FlagSet allows writing the parameter to the device.
	FlagSet

	// FlagSoftGet answers reads from the cached value when one is known,
	// avoiding device traffic for parameters the device cannot report.
	FlagSoftGet

	// FlagGetAfterSet re-reads the parameter from the device after every
	// write, so the cache reflects what the device actually accepted.
	FlagGetAfterSet

	// FlagPersist stores the last written value durably so it can be
	// restored on the next session without a device read.
	FlagPersist

	// FlagGetSet is the common read/write combination.
	FlagGetSet = FlagGet | FlagSet
)

// CanGet returns true if reading is allowed.
func (f Flag) CanGet() bool { return f&FlagGet != 0 }

// CanSet returns true if writing is allowed.
func (f Flag) CanSet() bool { return f&FlagSet != 0 }

// SoftGet returns true if cached reads are allowed.
func (f Flag) SoftGet() bool { return f&FlagSoftGet != 0 }

// GetAfterSet returns true if a readback follows every write.
func (f Flag) GetAfterSet() bool { return f&FlagGetAfterSet != 0 }

// Persist returns true if the last value is durably stored.
func (f Flag) Persist() bool { return f&FlagPersist != 0 }

// String returns the flags as a compact string.
func (f Flag) String() string {
	var s string
	if f.CanGet() {
		s += "G"
	}
	if f.CanSet() {
		s += "S"
	}
	if f.SoftGet() {
		s += "c"
	}
	if f.GetAfterSet() {
		s += "r"
	}
	if f.Persist() {
		s += "p"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Spec describes one parameter of an instrument type.
// A Spec is declared once and never mutated afterwards; all live state
// lives in the Parameter instances created from it.
type Spec struct {
	// Name is the parameter name, unique within an instrument.
	Name string

	// Type is the declared value type.
	Type Type

	// Flags define the allowed operations.
	Flags Flag

	// Min is the lower bound for numeric parameters.
	Min float64

	// Max is the upper bound for numeric parameters.
	Max float64

	// HasMin indicates if Min is set.
	HasMin bool

	// HasMax indicates if Max is set.
	HasMax bool

	// MaxStep is the largest allowed change per device write.
	// Zero means the parameter is not rate limited.
	MaxStep float64

	// StepDelay is the minimum delay between rate-limited writes.
	StepDelay time.Duration

	// Unit is the unit of measurement (e.g. "V", "Hz", "mm").
	Unit string

	// Options restricts string or int parameters to a fixed value list.
	Options []string

	// Tags classify the parameter (e.g. "measure", "sweep").
	Tags []string

	// Channels lists the channel numbers this spec expands into.
	// Empty means the spec describes a single parameter.
	Channels []int

	// ChannelFmt is the per-channel name prefix template, e.g. "ch%d_".
	ChannelFmt string

	// Doc is a human-readable description.
	Doc string
}

// Validate checks the spec for internal consistency.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if s.Type == TypeUnknown || s.Type > TypeString {
		return fmt.Errorf("%w: %s: unknown type", ErrInvalidSpec, s.Name)
	}
	if s.Flags&(FlagGet|FlagSet) == 0 {
		return fmt.Errorf("%w: %s: neither readable nor writable", ErrInvalidSpec, s.Name)
	}
	if (s.HasMin || s.HasMax || s.MaxStep > 0) && !s.Type.Numeric() {
		return fmt.Errorf("%w: %s: bounds and rate limits require a numeric type", ErrInvalidSpec, s.Name)
	}
	if s.HasMin && s.HasMax && s.Min > s.Max {
		return fmt.Errorf("%w: %s: min %v > max %v", ErrInvalidSpec, s.Name, s.Min, s.Max)
	}
	if s.MaxStep < 0 {
		return fmt.Errorf("%w: %s: negative max step", ErrInvalidSpec, s.Name)
	}
	if s.MaxStep > 0 && s.StepDelay <= 0 {
		return fmt.Errorf("%w: %s: rate limit requires a step delay", ErrInvalidSpec, s.Name)
	}
	if len(s.Channels) > 0 && !strings.Contains(s.ChannelFmt, "%d") {
		return fmt.Errorf("%w: %s: channels require a %%d channel format", ErrInvalidSpec, s.Name)
	}
	if len(s.Options) > 0 && s.Type != TypeString && s.Type != TypeInt {
		return fmt.Errorf("%w: %s: option list requires string or int type", ErrInvalidSpec, s.Name)
	}
	return nil
}

// RateLimited returns true if writes must be decomposed into steps.
func (s *Spec) RateLimited() bool {
	return s.MaxStep > 0
}

// HasTag returns true if the spec carries the given tag.
func (s *Spec) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Expand materializes the per-channel specs from a channel template.
// Each expanded spec is an independent copy with Channels cleared and the
// channel prefix applied to the name. A spec without channels expands to
// itself.
func (s *Spec) Expand() []*Spec {
	if len(s.Channels) == 0 {
		return []*Spec{s}
	}

	specs := make([]*Spec, 0, len(s.Channels))
	for _, ch := range s.Channels {
		c := *s
		c.Name = fmt.Sprintf(s.ChannelFmt, ch) + s.Name
		c.Channels = nil
		c.ChannelFmt = ""
		specs = append(specs, &c)
	}
	return specs
}

// Cast coerces a raw value into the declared type and validates it
// against bounds and the option list. Raw values are typically the
// string representation read from the device, but native Go values are
// accepted as well.
func (s *Spec) Cast(raw any) (any, error) {
	var (
		val any
		err error
	)

	switch s.Type {
	case TypeFloat:
		val, err = castFloat(raw)
	case TypeInt:
		val, err = castInt(raw)
	case TypeBool:
		val, err = castBool(raw)
	case TypeString:
		val, err = castString(raw)
	default:
		err = fmt.Errorf("%w: unknown type", ErrTypeCast)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	if err := s.checkRange(val); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if err := s.checkOptions(val); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return val, nil
}

// Format renders a cast value as the raw device representation.
func (s *Spec) Format(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case string:
		return v
	default:
		return fmt.Sprint(value)
	}
}

// checkRange validates numeric bounds on a cast value.
func (s *Spec) checkRange(value any) error {
	if !s.HasMin && !s.HasMax {
		return nil
	}

	v, ok := asFloat64(value)
	if !ok {
		return nil
	}
	if s.HasMin && v < s.Min {
		return fmt.Errorf("%w: %v < %v", ErrOutOfRange, value, s.Min)
	}
	if s.HasMax && v > s.Max {
		return fmt.Errorf("%w: %v > %v", ErrOutOfRange, value, s.Max)
	}
	return nil
}

// checkOptions validates a cast value against the option list.
func (s *Spec) checkOptions(value any) error {
	if len(s.Options) == 0 {
		return nil
	}

	rendered := s.Format(value)
	for _, opt := range s.Options {
		if rendered == opt {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in option list", ErrOutOfRange, rendered)
}

func castFloat(raw any) (any, error) {
	if v, ok := asFloat64(raw); ok {
		return v, nil
	}
	if str, ok := rawString(raw); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", ErrTypeCast, str)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %T is not a float", ErrTypeCast, raw)
}

func castInt(raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return wholeToInt(float64(v))
	case float64:
		return wholeToInt(v)
	}
	if str, ok := rawString(raw); ok {
		str = strings.TrimSpace(str)
		if v, err := strconv.ParseInt(str, 10, 64); err == nil {
			return v, nil
		}
		// Devices report integers in exponent notation ("1E3").
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return wholeToInt(f)
		}
		return nil, fmt.Errorf("%w: %q is not an int", ErrTypeCast, str)
	}
	return nil, fmt.Errorf("%w: %T is not an int", ErrTypeCast, raw)
}

func wholeToInt(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %v is not a whole number", ErrTypeCast, f)
	}
	return int64(f), nil
}

func castBool(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f, _ := asFloat64(v)
		return f != 0, nil
	}
	if str, ok := rawString(raw); ok {
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "1", "on", "true", "yes":
			return true, nil
		case "0", "off", "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%w: %q is not a bool", ErrTypeCast, str)
	}
	return nil, fmt.Errorf("%w: %T is not a bool", ErrTypeCast, raw)
}

func castString(raw any) (any, error) {
	if str, ok := rawString(raw); ok {
		return str, nil
	}
	switch raw.(type) {
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(raw), nil
	}
	return nil, fmt.Errorf("%w: %T is not a string", ErrTypeCast, raw)
}

func rawString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// AsFloat64 reports a cast numeric value as float64.
// Used by the rate limiter to plan stepped writes.
func AsFloat64(v any) (float64, bool) {
	return asFloat64(v)
}
