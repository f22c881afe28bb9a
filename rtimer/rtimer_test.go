package rtimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBefore(t *testing.T) {
	assert.True(t, Before(1, 2))
	assert.False(t, Before(2, 1))
	assert.False(t, Before(5, 5))

	// Near the wrap point ordering still holds.
	assert.True(t, Before(0xfffffff0, 5))
	assert.False(t, Before(5, 0xfffffff0))
}

func TestMissed(t *testing.T) {
	// Plain case: target ahead of now.
	assert.False(t, Missed(100, 50, 110))
	// Target passed.
	assert.True(t, Missed(100, 50, 160))
	// Exactly at target minus MinDelay counts as missed.
	assert.True(t, Missed(100, 50, 148))

	// Target wrapped, now did not: still ahead.
	assert.False(t, Missed(0xfffffff0, 0x20, 0xfffffff8))
	// Now wrapped past a wrapped target.
	assert.True(t, Missed(0xfffffff0, 0x20, 0x30))
	// Now wrapped, target did not: passed.
	assert.True(t, Missed(0xffffff00, 0x10, 0x5))
}

func TestVirtualClockSleepAdvances(t *testing.T) {
	c := NewVirtualClock(100)
	c.SleepUntil(250)
	assert.Equal(t, Tick(250), c.Now())
	// Sleeping into the past is a no-op.
	c.SleepUntil(10)
	assert.Equal(t, Tick(250), c.Now())
}

func TestVirtualClockRunPending(t *testing.T) {
	c := NewVirtualClock(0)
	assert.False(t, c.RunPending())

	fired := 0
	c.Schedule(500, func() {
		fired++
		// Re-arming from within the callback must work.
		c.Schedule(1000, func() { fired++ })
	})

	at, armed := c.Armed()
	require.True(t, armed)
	assert.Equal(t, Tick(500), at)

	require.True(t, c.RunPending())
	assert.Equal(t, 1, fired)
	assert.Equal(t, Tick(500), c.Now())

	require.True(t, c.RunPending())
	assert.Equal(t, 2, fired)
	assert.Equal(t, Tick(1000), c.Now())
	assert.False(t, c.RunPending())
}

func TestSystemClockClones(t *testing.T) {
	c := NewSystemClock(time.Microsecond)
	d := c.Clone()

	// Same time base: readings stay within scheduling noise of each other.
	diff := int32(d.Now() - c.Now())
	assert.Less(t, diff, int32(100_000))
	assert.GreaterOrEqual(t, diff, int32(0))

	// Independent timer slots: arming one does not cancel the other.
	fired := make(chan int, 2)
	c.Schedule(c.Now()+100, func() { fired <- 1 })
	d.Schedule(d.Now()+100, func() { fired <- 2 })
	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-fired:
			got[v] = true
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	}
	assert.True(t, got[1] && got[2])
}

func TestBusywaitUntil(t *testing.T) {
	c := NewVirtualClock(0)

	// Condition already true.
	assert.True(t, BusywaitUntil(c, func() bool { return true }, 0, 100))

	// Missed deadline degrades to a single check.
	c.Advance(500)
	assert.False(t, BusywaitUntil(c, func() bool { return false }, 0, 100))

	// Condition becomes true while polling.
	n := 0
	cond := func() bool {
		if n >= 3 {
			return true
		}
		n++
		c.Advance(c.Now() + 1)
		return false
	}
	assert.True(t, BusywaitUntil(c, cond, 500, 100))
}
