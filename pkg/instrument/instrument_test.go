package instrument

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtlab/qtlab-go/pkg/param"
	"github.com/qtlab/qtlab-go/pkg/transport"
)

// memSettings is an in-memory Settings implementation counting saves.
type memSettings struct {
	mu     sync.Mutex
	values map[string]map[string]any
	saves  int
}

func newMemSettings() *memSettings {
	return &memSettings{values: make(map[string]map[string]any)}
}

func (m *memSettings) Load(instrument string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]any{}
	for k, v := range m.values[instrument] {
		out[k] = v
	}
	return out, nil
}

func (m *memSettings) Save(instrument string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.values[instrument] = values
	return nil
}

// recorder collects change notifications in order.
type recorder struct {
	mu     sync.Mutex
	events []notification
}

type notification struct {
	instrument string
	parameter  string
	value      any
}

func (r *recorder) OnParameterChanged(instrument, parameter string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notification{instrument, parameter, value})
}

func (r *recorder) list() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.events...)
}

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestInstrument(t *testing.T, sim *transport.Sim, settings Settings) (*Instrument, *recorder) {
	t.Helper()

	inst, err := New(Config{
		Name:      "k2400",
		Kind:      KindPhysical,
		Tags:      []string{"smu"},
		Transport: sim,
		Settings:  settings,
		Logger:    quiet(),
	})
	require.NoError(t, err)

	rec := &recorder{}
	inst.Notifier().Observe(rec)
	return inst, rec
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Transport: transport.NewSim()})
	assert.Error(t, err, "empty name must be rejected")

	_, err = New(Config{Name: "dmm"})
	assert.Error(t, err, "nil transport must be rejected")
}

func TestAddParameter(t *testing.T) {
	inst, _ := newTestInstrument(t, transport.NewSim(), nil)

	spec := &param.Spec{Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGetSet}
	require.NoError(t, inst.AddParameter(spec))

	t.Run("Duplicate", func(t *testing.T) {
		err := inst.AddParameter(spec)
		assert.ErrorIs(t, err, ErrDuplicateParameter)
	})

	t.Run("InvalidSpec", func(t *testing.T) {
		err := inst.AddParameter(&param.Spec{Name: "", Type: param.TypeFloat, Flags: param.FlagGet})
		assert.ErrorIs(t, err, param.ErrInvalidSpec)
	})

	t.Run("UnknownLookup", func(t *testing.T) {
		_, err := inst.Parameter("missing")
		assert.ErrorIs(t, err, ErrUnknownParameter)
	})
}

func TestChannelExpansion(t *testing.T) {
	inst, _ := newTestInstrument(t, transport.NewSim(), nil)

	require.NoError(t, inst.AddParameter(&param.Spec{
		Name:       "level",
		Type:       param.TypeFloat,
		Flags:      param.FlagGetSet,
		Channels:   []int{1, 2, 3},
		ChannelFmt: "ch%d_",
	}))

	params := inst.Parameters()
	require.Len(t, params, 3)
	assert.Equal(t, "ch1_level", params[0].Name())
	assert.Equal(t, "ch3_level", params[2].Name())

	// Expanded states are independent.
	params[0].RecordGet(1.0)
	_, known := params[1].Value()
	assert.False(t, known, "channel states must be independent")

	// Collision with an expanded name is rejected atomically.
	err := inst.AddParameter(&param.Spec{
		Name:       "level",
		Type:       param.TypeFloat,
		Flags:      param.FlagGet,
		Channels:   []int{3, 4},
		ChannelFmt: "ch%d_",
	})
	assert.ErrorIs(t, err, ErrDuplicateParameter)
	_, err = inst.Parameter("ch4_level")
	assert.ErrorIs(t, err, ErrUnknownParameter, "partial registration must not happen")
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadsCastsNotifies", func(t *testing.T) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"voltage": "2.5"})
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGetSet, Unit: "V",
		}))

		v, err := inst.Get(ctx, "voltage")
		require.NoError(t, err)
		assert.Equal(t, 2.5, v)

		events := rec.list()
		require.Len(t, events, 1, "get must notify exactly once")
		assert.Equal(t, notification{"k2400", "voltage", 2.5}, events[0])

		p, _ := inst.Parameter("voltage")
		assert.False(t, p.Dirty(), "device read confirms the cache")
	})

	t.Run("UnchangedValueStillNotifies", func(t *testing.T) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"voltage": "1"})
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGet,
		}))

		_, err := inst.Get(ctx, "voltage")
		require.NoError(t, err)
		_, err = inst.Get(ctx, "voltage")
		require.NoError(t, err)
		assert.Len(t, rec.list(), 2, "a read confirms state even when unchanged")
	})

	t.Run("FastSkipsNotification", func(t *testing.T) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"voltage": "1"})
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGet,
		}))

		v, err := inst.Get(ctx, "voltage", Fast())
		require.NoError(t, err)
		assert.Equal(t, 1.0, v)
		assert.Empty(t, rec.list(), "fast get must not notify")

		// The device read and cache update still happened.
		p, _ := inst.Parameter("voltage")
		cached, known := p.Value()
		assert.True(t, known)
		assert.Equal(t, 1.0, cached)
	})

	t.Run("DeviceErrorLeavesCache", func(t *testing.T) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"voltage": "1"})
		inst, _ := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGet,
		}))

		_, err := inst.Get(ctx, "voltage")
		require.NoError(t, err)

		sim.FailGet("voltage", transport.Devicef("timeout"))
		_, err = inst.Get(ctx, "voltage")
		assert.ErrorIs(t, err, transport.ErrDevice)

		p, _ := inst.Parameter("voltage")
		cached, known := p.Value()
		assert.True(t, known, "failed get must leave the stale cache")
		assert.Equal(t, 1.0, cached)
	})

	t.Run("CastError", func(t *testing.T) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"voltage": "garbage"})
		inst, _ := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGet,
		}))

		_, err := inst.Get(ctx, "voltage")
		assert.ErrorIs(t, err, param.ErrTypeCast)
	})

	t.Run("NotReadable", func(t *testing.T) {
		inst, _ := newTestInstrument(t, transport.NewSim(), nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "trigger", Type: param.TypeBool, Flags: param.FlagSet,
		}))

		_, err := inst.Get(ctx, "trigger")
		assert.ErrorIs(t, err, param.ErrNotReadable)
	})

	t.Run("SoftGetUsesCache", func(t *testing.T) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"range": "10"})
		inst, _ := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "range", Type: param.TypeFloat, Flags: param.FlagGetSet | param.FlagSoftGet,
		}))

		// First read goes to the device.
		v, err := inst.Get(ctx, "range")
		require.NoError(t, err)
		assert.Equal(t, 10.0, v)

		// Device value changes behind our back; soft get answers from cache.
		sim.Load(map[string]string{"range": "100"})
		v, err = inst.Get(ctx, "range")
		require.NoError(t, err)
		assert.Equal(t, 10.0, v)
	})
}

func TestGetMany(t *testing.T) {
	ctx := context.Background()
	sim := transport.NewSim()
	sim.Load(map[string]string{"v1": "1", "v2": "2"})
	inst, _ := newTestInstrument(t, sim, nil)
	for _, name := range []string{"v1", "v2"} {
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: name, Type: param.TypeFloat, Flags: param.FlagGet,
		}))
	}

	results := inst.GetMany(ctx, []string{"v1", "v2", "bad"})
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1.0, results[0].Value)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 2.0, results[1].Value)
	assert.ErrorIs(t, results[2].Err, ErrUnknownParameter,
		"a failed element must not abort the batch")
	assert.Equal(t, "bad", results[2].Name)
}

func TestSet(t *testing.T) {
	ctx := context.Background()

	t.Run("WritesAndNotifies", func(t *testing.T) {
		sim := transport.NewSim()
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGetSet,
		}))

		require.NoError(t, inst.Set(ctx, "voltage", 2.5))

		writes := sim.Writes()
		require.Len(t, writes, 1)
		assert.Equal(t, transport.Write{Param: "voltage", Value: "2.5"}, writes[0])

		events := rec.list()
		require.Len(t, events, 1)
		assert.Equal(t, notification{"k2400", "voltage", 2.5}, events[0])

		p, _ := inst.Parameter("voltage")
		assert.True(t, p.Dirty(), "write without readback leaves the cache unconfirmed")
		assert.False(t, p.LastSet().IsZero())
	})

	t.Run("OutOfRangeLeavesState", func(t *testing.T) {
		sim := transport.NewSim()
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGetSet,
			Min: 0, HasMin: true, Max: 10, HasMax: true,
		}))
		require.NoError(t, inst.Set(ctx, "voltage", 5))

		err := inst.Set(ctx, "voltage", 11)
		assert.ErrorIs(t, err, param.ErrOutOfRange)
		err = inst.Set(ctx, "voltage", -1)
		assert.ErrorIs(t, err, param.ErrOutOfRange)

		p, _ := inst.Parameter("voltage")
		v, _ := p.Value()
		assert.Equal(t, 5.0, v, "rejected set must not touch state")
		assert.Len(t, sim.Writes(), 1, "rejected set must not touch the device")
		assert.Len(t, rec.list(), 1)
	})

	t.Run("TypeCast", func(t *testing.T) {
		inst, _ := newTestInstrument(t, transport.NewSim(), nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagSet,
		}))

		err := inst.Set(ctx, "voltage", "not-a-number")
		assert.ErrorIs(t, err, param.ErrTypeCast)
	})

	t.Run("NotWritable", func(t *testing.T) {
		inst, _ := newTestInstrument(t, transport.NewSim(), nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "reading", Type: param.TypeFloat, Flags: param.FlagGet,
		}))

		err := inst.Set(ctx, "reading", 1)
		assert.ErrorIs(t, err, param.ErrNotWritable)
	})

	t.Run("FastSkipsNotification", func(t *testing.T) {
		sim := transport.NewSim()
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagSet,
		}))

		require.NoError(t, inst.Set(ctx, "voltage", 1, Fast()))
		assert.Empty(t, rec.list())
		assert.Len(t, sim.Writes(), 1)
	})

	t.Run("GetAfterSet", func(t *testing.T) {
		sim := transport.NewSim()
		inst, rec := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "frequency", Type: param.TypeFloat,
			Flags: param.FlagGetSet | param.FlagGetAfterSet,
		}))

		require.NoError(t, inst.Set(ctx, "frequency", 1000))

		p, _ := inst.Parameter("frequency")
		v, _ := p.Value()
		assert.Equal(t, 1000.0, v)
		assert.False(t, p.Dirty(), "readback confirms the cache")
		assert.Len(t, rec.list(), 2, "write and readback each notify")
	})

	t.Run("RoundTrip", func(t *testing.T) {
		sim := transport.NewSim()
		inst, _ := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagGetSet,
		}))

		require.NoError(t, inst.Set(ctx, "voltage", 3.25))
		v, err := inst.Get(ctx, "voltage", Fast())
		require.NoError(t, err)
		assert.Equal(t, 3.25, v)
	})
}

func TestSetRateLimited(t *testing.T) {
	ctx := context.Background()

	// voltage: bounds [0,10], max step 0.5 per 5ms, persistent, current 0.
	setup := func(t *testing.T, settings Settings) (*Instrument, *transport.Sim, *recorder) {
		sim := transport.NewSim()
		sim.Load(map[string]string{"voltage": "0"})
		inst, rec := newTestInstrument(t, sim, settings)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat,
			Flags: param.FlagGetSet | param.FlagPersist,
			Min:   0, HasMin: true,
			Max: 10, HasMax: true,
			MaxStep:   0.5,
			StepDelay: 5 * time.Millisecond,
			Unit:      "V",
		}))
		// Make the starting point known.
		_, err := inst.Get(ctx, "voltage", Fast())
		require.NoError(t, err)
		sim.ClearWrites()
		return inst, sim, rec
	}

	t.Run("SteppedWrites", func(t *testing.T) {
		settings := newMemSettings()
		inst, sim, rec := setup(t, settings)

		require.NoError(t, inst.Set(ctx, "voltage", 5))

		writes := sim.Writes()
		require.Len(t, writes, 10, "0 to 5 in steps of 0.5")
		want := []string{"0.5", "1", "1.5", "2", "2.5", "3", "3.5", "4", "4.5", "5"}
		for i, w := range writes {
			assert.Equal(t, "voltage", w.Param)
			assert.Equal(t, want[i], w.Value, "write %d", i)
		}

		p, _ := inst.Parameter("voltage")
		v, _ := p.Value()
		assert.Equal(t, 5.0, v)

		events := rec.list()
		require.Len(t, events, 10, "every completed step notifies")
		prev := 0.0
		for _, e := range events {
			val := e.value.(float64)
			assert.Greater(t, val, prev, "notifications in increasing order")
			assert.LessOrEqual(t, val-prev, 0.5+1e-12, "no step exceeds the slew limit")
			prev = val
		}

		assert.Equal(t, 1, settings.saves, "exactly one persistence save per set")
		saved, err := settings.Load("k2400")
		require.NoError(t, err)
		assert.Equal(t, 5.0, saved["voltage"])
	})

	t.Run("DeviceErrorMidRamp", func(t *testing.T) {
		inst, sim, _ := setup(t, nil)

		// Ramp to 1.5 first so there is a known intermediate state.
		require.NoError(t, inst.Set(ctx, "voltage", 1.5))
		require.Len(t, sim.Writes(), 3)

		sim.FailSet("voltage", transport.Devicef("bus glitch"))
		err := inst.Set(ctx, "voltage", 3)
		assert.ErrorIs(t, err, transport.ErrDevice)

		p, _ := inst.Parameter("voltage")
		v, _ := p.Value()
		assert.Equal(t, 1.5, v, "state stays at the last successful write")
	})

	t.Run("CancelBetweenSteps", func(t *testing.T) {
		inst, sim, _ := setup(t, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- inst.Set(ctx, "voltage", 10)
		}()

		// Let a few steps through, then cancel.
		time.Sleep(12 * time.Millisecond)
		cancel()

		err := <-done
		require.Error(t, err)

		writes := sim.Writes()
		require.NotEmpty(t, writes, "cancel must not prevent issued steps")
		assert.Less(t, len(writes), 20, "cancel must stop the ramp early")

		// The cache matches the last written value.
		p, _ := inst.Parameter("voltage")
		v, _ := p.Value()
		last := writes[len(writes)-1]
		assert.Equal(t, last.Value, p.Spec().Format(v))
	})

	t.Run("UnknownStartSkipsRamp", func(t *testing.T) {
		sim := transport.NewSim()
		inst, _ := newTestInstrument(t, sim, nil)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat,
			Flags: param.FlagGetSet, MaxStep: 0.5, StepDelay: time.Millisecond,
		}))

		// No cached value: the write goes out directly.
		require.NoError(t, inst.Set(ctx, "voltage", 5))
		assert.Len(t, sim.Writes(), 1)
	})

	t.Run("WithinOneStep", func(t *testing.T) {
		inst, sim, _ := setup(t, nil)

		require.NoError(t, inst.Set(ctx, "voltage", 0.3))
		writes := sim.Writes()
		require.Len(t, writes, 1)
		assert.Equal(t, "0.3", writes[0].Value)
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("SaveOnSet", func(t *testing.T) {
		settings := newMemSettings()
		sim := transport.NewSim()
		inst, _ := newTestInstrument(t, sim, settings)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "source_voltage", Type: param.TypeFloat,
			Flags: param.FlagSet | param.FlagPersist,
		}))

		require.NoError(t, inst.Set(ctx, "source_voltage", 7.5))

		saved, err := settings.Load("k2400")
		require.NoError(t, err)
		assert.Equal(t, 7.5, saved["source_voltage"],
			"persisted value must be retrievable without any device read")
	})

	t.Run("SaveOnSetDespiteReadbackError", func(t *testing.T) {
		settings := newMemSettings()
		sim := transport.NewSim()
		sim.FailGet("source_voltage", transport.Devicef("timeout"))
		inst, _ := newTestInstrument(t, sim, settings)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "source_voltage", Type: param.TypeFloat,
			Flags: param.FlagGetSet | param.FlagGetAfterSet | param.FlagPersist,
		}))

		err := inst.Set(ctx, "source_voltage", 7.5)
		require.ErrorIs(t, err, transport.ErrDevice)

		// The device write went through, so the value must be saved.
		saved, loadErr := settings.Load("k2400")
		require.NoError(t, loadErr)
		assert.Equal(t, 7.5, saved["source_voltage"])
	})

	t.Run("NonPersistentNotSaved", func(t *testing.T) {
		settings := newMemSettings()
		inst, _ := newTestInstrument(t, transport.NewSim(), settings)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "voltage", Type: param.TypeFloat, Flags: param.FlagSet,
		}))

		require.NoError(t, inst.Set(ctx, "voltage", 1))
		assert.Zero(t, settings.saves)
	})

	t.Run("Restore", func(t *testing.T) {
		settings := newMemSettings()
		settings.values["k2400"] = map[string]any{
			"source_voltage": 4.5,
			"ghost":          1.0, // unknown parameter, skipped
		}

		inst, _ := newTestInstrument(t, transport.NewSim(), settings)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "source_voltage", Type: param.TypeFloat,
			Flags: param.FlagSet | param.FlagPersist,
		}))

		require.NoError(t, inst.RestoreSettings())

		p, _ := inst.Parameter("source_voltage")
		v, known := p.Value()
		assert.True(t, known)
		assert.Equal(t, 4.5, v)
		assert.True(t, p.Dirty(), "restored value is unconfirmed until a read")
	})
}

// exclusiveCheck wraps a transport and flags concurrent entry.
type exclusiveCheck struct {
	transport.Transport
	mu         sync.Mutex
	busy       bool
	violations int
}

func (e *exclusiveCheck) Set(ctx context.Context, param, value string) error {
	e.enter()
	defer e.leave()
	return e.Transport.Set(ctx, param, value)
}

func (e *exclusiveCheck) enter() {
	e.mu.Lock()
	if e.busy {
		e.violations++
	}
	e.busy = true
	e.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (e *exclusiveCheck) leave() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

func TestSharedBusSerializesIO(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus("gpib0")

	sim := transport.NewSim()
	sim.Load(map[string]string{"v": "0"})
	shared := &exclusiveCheck{Transport: sim}

	newOnBus := func(name string) *Instrument {
		inst, err := New(Config{
			Name: name, Transport: shared, Bus: bus, Logger: quiet(),
		})
		require.NoError(t, err)
		require.NoError(t, inst.AddParameter(&param.Spec{
			Name: "v", Type: param.TypeFloat, Flags: param.FlagGetSet,
		}))
		return inst
	}

	a := newOnBus("a")
	b := newOnBus("b")

	var wg sync.WaitGroup
	for _, inst := range []*Instrument{a, b} {
		wg.Add(1)
		go func(inst *Instrument) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				require.NoError(t, inst.Set(ctx, "v", float64(i)))
			}
		}(inst)
	}
	wg.Wait()

	shared.mu.Lock()
	defer shared.mu.Unlock()
	assert.Zero(t, shared.violations, "bus holders must not overlap")
}

func TestFunctions(t *testing.T) {
	ctx := context.Background()
	inst, _ := newTestInstrument(t, transport.NewSim(), nil)

	var beeped bool
	require.NoError(t, inst.AddFunction(NewFunction("beep", "emit a beep",
		func(ctx context.Context, args map[string]any) (any, error) {
			beeped = true
			return nil, nil
		})))

	t.Run("Call", func(t *testing.T) {
		_, err := inst.Call(ctx, "beep", nil)
		require.NoError(t, err)
		assert.True(t, beeped)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := inst.Call(ctx, "selfdestruct", nil)
		assert.ErrorIs(t, err, ErrUnknownFunction)
	})

	t.Run("Duplicate", func(t *testing.T) {
		err := inst.AddFunction(NewFunction("beep", "", nil))
		assert.Error(t, err)
	})
}
