// Package ramp decomposes large parameter changes into a sequence of
// device writes that never exceeds a declared slew rate. A plan lists
// the intermediate values; Run issues them with the declared inter-step
// delay and stops cleanly on cancellation or a device failure, always
// between writes and never mid-write.
package ramp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidStep = errors.New("invalid ramp step size")

	// ErrStopped reports a ramp cancelled between steps. The device is
	// left at the last written value.
	ErrStopped = errors.New("ramp stopped")
)

// Plan returns the ordered intermediate values from `from` toward `to`,
// each differing from its predecessor by at most maxStep, ending exactly
// at `to`. A change within maxStep yields a single-element plan, and
// from == to yields an empty one.
func Plan(from, to, maxStep float64) ([]float64, error) {
	if maxStep <= 0 || math.IsNaN(maxStep) || math.IsInf(maxStep, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStep, maxStep)
	}
	if math.IsNaN(from) || math.IsNaN(to) {
		return nil, fmt.Errorf("%w: NaN endpoint", ErrInvalidStep)
	}

	delta := to - from
	if delta == 0 {
		return nil, nil
	}

	n := int(math.Ceil(math.Abs(delta) / maxStep))
	step := math.Copysign(maxStep, delta)

	plan := make([]float64, n)
	for i := 0; i < n-1; i++ {
		plan[i] = from + float64(i+1)*step
	}
	plan[n-1] = to
	return plan, nil
}

// StepFunc issues one device write.
type StepFunc func(ctx context.Context, value float64) error

// Run issues each planned value through fn, waiting delay between
// consecutive steps. It returns the number of completed steps together
// with the first error: the step's own error if a write failed, or
// ErrStopped wrapping the context error on cancellation. The remaining
// steps are skipped in either case.
func Run(ctx context.Context, plan []float64, delay time.Duration, fn StepFunc) (int, error) {
	for i, value := range plan {
		if i > 0 && delay > 0 {
			if err := wait(ctx, delay); err != nil {
				return i, err
			}
		}

		select {
		case <-ctx.Done():
			return i, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		default:
		}

		if err := fn(ctx, value); err != nil {
			return i, err
		}
	}
	return len(plan), nil
}

func wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	}
}
