// Package obligation defines the Obligation aggregate driven by the
// obligation reconciler.
package obligation

import "time"

// Type identifies the duty a node owes the control plane.
type Type string

const (
	TypeRunDHT      Type = "node.run-dht"
	TypeRunRelay    Type = "node.run-relay"
	TypeAssignRelay Type = "node.assign-relay"
)

// State is the reconciler's progress marker for a single obligation.
type State string

const (
	StatePending        State = "pending"
	StateInFlight       State = "in-flight"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateRetryScheduled State = "retry-scheduled"
)

// Obligation is a single idempotent duty tied to a node or VM resource.
type Obligation struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	ResourceID    string    `json:"resourceId"`
	State         State     `json:"state"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Due reports whether this obligation is eligible for dispatch as of now:
// Pending or RetryScheduled with nextAttemptAt at or before now.
func (o Obligation) Due(now time.Time) bool {
	if o.State != StatePending && o.State != StateRetryScheduled {
		return false
	}
	return !o.NextAttemptAt.After(now)
}

// Terminal reports whether the obligation will never be retried again.
func (o Obligation) Terminal() bool {
	return o.State == StateCompleted || o.State == StateFailed
}
