package typing

import (
	"carrot/internal/clock"
	"sync"
	"time"
)

const DefaultDebounce = 300 * time.Millisecond

// Debouncer collapses a burst of Trigger calls into one call of fn with the
// last value, made once delay has passed without another Trigger.
type Debouncer[T any] struct {
	clock clock.Clock
	delay time.Duration
	fn    func(T)

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

func NewDebouncer[T any](clk clock.Clock, delay time.Duration, fn func(T)) *Debouncer[T] {
	if clk == nil {
		clk = clock.Real()
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer[T]{clock: clk, delay: delay, fn: fn}
}

func (d *Debouncer[T]) Trigger(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn(v)
	})
}

// Stop drops a pending call.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
