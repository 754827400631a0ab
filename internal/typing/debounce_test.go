package typing

import (
	"carrot/internal/clock"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_BurstFiresOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var got []string
	d := NewDebouncer(clk, 300*time.Millisecond, func(v string) { got = append(got, v) })

	for _, v := range []string{"h", "he", "hel", "hell", "hello"} {
		d.Trigger(v)
		clk.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, got)

	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, got)

	clk.Advance(time.Second)
	assert.Equal(t, []string{"hello"}, got)
}

func TestDebouncer_Stop(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fired := false
	d := NewDebouncer(clk, 0, func(struct{}) { fired = true })

	d.Trigger(struct{}{})
	d.Stop()
	clk.Advance(time.Second)
	assert.False(t, fired)
}

// A burst of input through the debouncer yields one start frame, and the
// stop frame follows the last debounced input by the stop window.
func TestDebouncedCoordinator(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s := &mockSender{}
	c, _ := newTestCoordinator(clk, s)
	c.OnRoomChange(42)
	d := NewDebouncer(clk, DefaultDebounce, c.OnLocalInput)

	for i := 0; i < 10; i++ {
		d.Trigger("typing")
		clk.Advance(50 * time.Millisecond)
	}
	clk.Advance(DefaultDebounce)
	assert.Equal(t, []bool{true}, s.flags())

	clk.Advance(time.Second)
	d.Trigger("typing more")
	clk.Advance(DefaultDebounce)
	clk.Advance(1900 * time.Millisecond)
	assert.Equal(t, []bool{true}, s.flags())

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, s.flags())
}
