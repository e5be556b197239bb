package batch

import "time"

// Call durations that move the delay.
const (
	fastCall = 200 * time.Millisecond
	slowCall = time.Second
)

// Multipliers applied to the delay after a call.
const (
	speedUp     = 0.8
	slowDown    = 1.5
	failBackoff = 3.0
)

// AdaptiveDelay is the pause between batch items. It shrinks toward the
// floor while calls are fast and grows toward the ceiling when they are slow
// or fail.
type AdaptiveDelay struct {
	current time.Duration
	floor   time.Duration
	ceiling time.Duration
}

// NewAdaptiveDelay starts at initial, clamped to [floor, ceiling].
func NewAdaptiveDelay(initial, floor, ceiling time.Duration) *AdaptiveDelay {
	if ceiling < floor {
		ceiling = floor
	}
	d := &AdaptiveDelay{floor: floor, ceiling: ceiling}
	d.current = d.clamp(initial)
	return d
}

// Current returns the delay to wait before the next item.
func (d *AdaptiveDelay) Current() time.Duration {
	return d.current
}

// Observe adjusts the delay after a call that took elapsed and returns the
// new value. A failure always backs off, however fast it was.
func (d *AdaptiveDelay) Observe(elapsed time.Duration, failed bool) time.Duration {
	switch {
	case failed:
		d.current = d.scale(failBackoff)
	case elapsed < fastCall:
		d.current = d.scale(speedUp)
	case elapsed > slowCall:
		d.current = d.scale(slowDown)
	}
	return d.current
}

func (d *AdaptiveDelay) scale(factor float64) time.Duration {
	return d.clamp(time.Duration(float64(d.current) * factor))
}

func (d *AdaptiveDelay) clamp(v time.Duration) time.Duration {
	return min(max(v, d.floor), d.ceiling)
}

// CheckpointEvery returns how many items pass between checkpoints for a
// session of total items. Small sessions checkpoint more often.
func CheckpointEvery(total int) int {
	switch {
	case total <= 20:
		return 1
	case total <= 100:
		return 5
	default:
		return 10
	}
}
