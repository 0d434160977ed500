// Package param implements the declarative parameter model for instruments.
//
// A Spec describes one controllable or readable quantity: its declared
// type, access flags, bounds, unit, rate limit and persistence behavior.
// Specs are declared once when an instrument type is defined and are
// immutable afterwards. A Parameter pairs a shared Spec with the live
// per-instance state (cached value, last-set time, dirty flag).
//
// Specs with a channel template expand into independent per-channel
// parameters at instrument construction time:
//
//	spec := &param.Spec{
//		Name:       "voltage",
//		Type:       param.TypeFloat,
//		Flags:      param.FlagGetSet,
//		Channels:   []int{1, 2, 3, 4},
//		ChannelFmt: "port%d_",
//	}
//	specs := spec.Expand() // port1_voltage .. port4_voltage
//
// All value traffic passes through Spec.Cast, which coerces the raw
// device representation into the declared type and enforces bounds and
// option lists.
package param
