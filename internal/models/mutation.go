// Package models provides data model definitions for the syncbox core.
package models

import (
	"encoding/json"
	"time"
)

// MutationKind is the type of a queued write.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// MutationStatus is the lifecycle state of a queued write.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationInFlight MutationStatus = "in_flight"
	MutationFailed   MutationStatus = "failed"
)

// Priority orders queue draining. Higher drains first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a config string to a Priority. Unknown values fall
// back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Mutation represents one pending write buffered while the remote store
// was unreachable. The ID is client-generated, stable across retries, and
// is sent to the remote collaborator as an idempotency key.
type Mutation struct {
	ID         UUID            `db:"id" json:"id"`
	Kind       MutationKind    `db:"kind" json:"kind"`
	Collection string          `db:"collection" json:"collection"`
	Key        string          `db:"key" json:"key"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	// BaseVersion is the remote revision the client last observed for this
	// record when the mutation was made. Used for conflict detection.
	BaseVersion   int64          `db:"base_version" json:"base_version"`
	EnqueuedAt    int64          `db:"enqueued_at" json:"enqueued_at"`
	Attempt       int            `db:"attempt" json:"attempt"`
	NextAttemptAt int64          `db:"next_attempt_at" json:"next_attempt_at"`
	Status        MutationStatus `db:"status" json:"status"`
	Priority      Priority       `db:"priority" json:"priority"`
	LastError     string         `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for Mutation.
func (Mutation) TableName() string {
	return "pending_mutations"
}

// TargetKey identifies the logical record the mutation applies to.
// Mutations sharing a target key are serialized, never parallelized.
func (m *Mutation) TargetKey() string {
	return m.Collection + "/" + m.Key
}

// Ready reports whether the mutation is eligible for draining at now.
func (m *Mutation) Ready(now int64) bool {
	return m.Status == MutationPending && m.NextAttemptAt <= now
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (m *Mutation) EnqueuedAtTime() time.Time {
	return time.Unix(m.EnqueuedAt, 0)
}
