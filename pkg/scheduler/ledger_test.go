package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerAcquireReleaseRoundTrip(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Acquire(0, 1))
	owner, held := l.IsHeld(0)
	assert.True(t, held)
	assert.Equal(t, 1, owner)

	assert.False(t, l.Acquire(0, 2)) // busy, held by queue 1

	assert.True(t, l.Release(0, 1))
	_, held = l.IsHeld(0)
	assert.False(t, held)
}

func TestLedgerReleaseByWrongQueueFails(t *testing.T) {
	l := NewLedger()
	l.Acquire(3, 1)
	assert.False(t, l.Release(3, 2))
}

func TestLedgerAcquireAllRollsBackOnPartialFailure(t *testing.T) {
	l := NewLedger()
	l.Acquire(1, 9) // device 1 already held by queue 9

	ok := l.AcquireAll([]int{0, 1, 2}, 5)
	assert.False(t, ok)

	// Device 0 and 2 must have been rolled back, not left held by queue 5.
	_, held0 := l.IsHeld(0)
	_, held2 := l.IsHeld(2)
	assert.False(t, held0)
	assert.False(t, held2)
	owner1, _ := l.IsHeld(1)
	assert.Equal(t, 9, owner1)
}

func TestLedgerReleaseAll(t *testing.T) {
	l := NewLedger()
	l.AcquireAll([]int{0, 1, 2}, 5)
	l.ReleaseAll([]int{0, 1, 2}, 5)
	assert.Empty(t, l.HeldSet())
}
