package attestation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnknownVMIsPaused(t *testing.T) {
	tr := NewTracker(nil)
	assert.True(t, tr.BillingPaused("vm-1", time.Now().UTC()))
}

func TestValidSampleEnablesBilling(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now().UTC()
	tr.Record("vm-1", true, now)
	assert.False(t, tr.BillingPaused("vm-1", now))
}

func TestConsecutiveFailuresPauseBilling(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now().UTC()
	tr.Record("vm-1", true, now)

	tr.Record("vm-1", false, now.Add(30*time.Second))
	tr.Record("vm-1", false, now.Add(60*time.Second))
	assert.False(t, tr.BillingPaused("vm-1", now.Add(61*time.Second)), "two failures stay below the threshold")

	tr.Record("vm-1", false, now.Add(90*time.Second))
	assert.True(t, tr.BillingPaused("vm-1", now.Add(91*time.Second)))
}

func TestOneValidSampleClearsFailures(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tr.Record("vm-1", false, now.Add(time.Duration(i)*30*time.Second))
	}
	assert.True(t, tr.BillingPaused("vm-1", now.Add(3*time.Minute)))

	recovery := now.Add(3 * time.Minute)
	tr.Record("vm-1", true, recovery)
	assert.False(t, tr.BillingPaused("vm-1", recovery))

	l, ok := tr.Liveness("vm-1")
	assert.True(t, ok)
	assert.Zero(t, l.ConsecutiveFailures)
}

func TestStaleSamplesPauseBilling(t *testing.T) {
	tr := NewTracker(nil).WithSampleInterval(30 * time.Second)
	now := time.Now().UTC()
	tr.Record("vm-1", true, now)

	// Inside the 3x window billing stays active.
	assert.False(t, tr.BillingPaused("vm-1", now.Add(89*time.Second)))
	// Past the window the flag flips without any new sample.
	assert.True(t, tr.BillingPaused("vm-1", now.Add(91*time.Second)))
}

func TestSweepMarksStaleStates(t *testing.T) {
	tr := NewTracker(nil).WithSampleInterval(30 * time.Second)
	now := time.Now().UTC()
	tr.Record("vm-1", true, now)

	tr.Sweep(now.Add(5 * time.Minute))

	l, ok := tr.Liveness("vm-1")
	assert.True(t, ok)
	assert.True(t, l.BillingPaused)
}

func TestForgetDropsState(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now().UTC()
	tr.Record("vm-1", true, now)
	tr.Forget("vm-1")
	_, ok := tr.Liveness("vm-1")
	assert.False(t, ok)
}
