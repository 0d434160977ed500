// Package instrument implements the generic instrument facade and the
// instrument registry.
//
// An Instrument wraps a device transport behind a uniform, validated
// parameter interface: values are cast to their declared types, bounds
// are enforced, rate-limited parameters are ramped in steps that respect
// the declared slew rate, persistent parameters are saved to the
// settings store, and every confirmed device read or write fans out to
// the registered change observers.
//
//	inst, _ := instrument.New(instrument.Config{
//		Name:      "k2400",
//		Kind:      instrument.KindPhysical,
//		Transport: tr,
//	})
//	inst.AddParameter(&param.Spec{
//		Name: "source_voltage", Type: param.TypeFloat,
//		Flags: param.FlagGetSet | param.FlagPersist,
//		Min: -210, HasMin: true, Max: 210, HasMax: true,
//		MaxStep: 0.1, StepDelay: 100 * time.Millisecond, Unit: "V",
//	})
//	err := inst.Set(ctx, "source_voltage", 5)
//
// The Registry owns all live instruments of one session: creation fails
// on duplicate names, removal closes the transport, and no instrument
// outlives its registry entry.
package instrument
