// Package attestation defines the per-VM liveness state tracked by the
// attestation tracker.
package attestation

import "time"

// StaleMultiple is the multiple of the sample interval after which a VM's
// last sample is considered stale.
const StaleMultiple = 3

// FailureThreshold is the number of consecutive invalid samples after which
// billing is paused even if samples are still arriving.
const FailureThreshold = 3

// Liveness is a single VM's attestation state.
type Liveness struct {
	VMID                string    `json:"vmId"`
	LastSampleAt        time.Time `json:"lastSampleAt"`
	LastSampleValid     bool      `json:"lastSampleValid"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	BillingPaused       bool      `json:"billingPaused"`
}

// StaleDeadline returns the point after which a liveness sample is
// considered stale, given the configured sample interval.
func StaleDeadline(sampleInterval time.Duration) time.Duration {
	return StaleMultiple * sampleInterval
}

// Stale reports whether the liveness record's last sample predates the
// stale deadline as of now.
func (l Liveness) Stale(now time.Time, sampleInterval time.Duration) bool {
	if l.LastSampleAt.IsZero() {
		return true
	}
	return now.Sub(l.LastSampleAt) > StaleDeadline(sampleInterval)
}

// Sample applies a new liveness sample and returns the updated record,
// following the tracker transition rules: a stale window or too many
// consecutive failures pauses billing; one valid sample clears both.
func Sample(l Liveness, now time.Time, valid bool, sampleInterval time.Duration) Liveness {
	// Staleness is judged against the previous sample, before it is
	// replaced by this one.
	stale := l.Stale(now, sampleInterval)
	l.LastSampleAt = now
	l.LastSampleValid = valid

	if valid {
		l.ConsecutiveFailures = 0
		l.BillingPaused = false
		return l
	}

	l.ConsecutiveFailures++
	if l.ConsecutiveFailures >= FailureThreshold {
		l.BillingPaused = true
	}
	if stale {
		l.BillingPaused = true
	}
	return l
}
