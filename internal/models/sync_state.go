// Package models provides data model definitions for the syncbox core.
package models

// SyncState is a snapshot of the coordinator's sync status. It is a plain
// value handed to callers and event subscribers; there is no shared
// mutable sync singleton anywhere in the core.
type SyncState struct {
	Online       bool  `json:"online"`
	Draining     bool  `json:"draining"`
	PendingCount int   `json:"pending_count"`
	FailedCount  int   `json:"failed_count"`
	LastDrainAt  int64 `json:"last_drain_at,omitempty"`
}
