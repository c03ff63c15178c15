// Package models provides data model definitions for the syncbox core.
package models

import (
	"encoding/json"
	"time"
)

// Resolution is the outcome of conflict resolution.
type Resolution string

const (
	ResolutionLocal         Resolution = "local"
	ResolutionRemote        Resolution = "remote"
	ResolutionManualPending Resolution = "manual_pending"
)

// ConflictRecord captures a divergence between the local optimistic state
// and the remote authoritative state of one record. Only records still
// awaiting a manual decision are persisted; auto-resolved conflicts live
// for the session and are dropped once applied.
type ConflictRecord struct {
	ID               UUID            `db:"id" json:"id"`
	Collection       string          `db:"collection" json:"collection"`
	Key              string          `db:"key" json:"key"`
	LocalPayload     json.RawMessage `db:"local_payload" json:"local_payload"`
	RemotePayload    json.RawMessage `db:"remote_payload" json:"remote_payload"`
	LocalVersion     int64           `db:"local_version" json:"local_version"`
	RemoteVersion    int64           `db:"remote_version" json:"remote_version"`
	LocalModifiedAt  int64           `db:"local_modified_at" json:"local_modified_at"`
	RemoteModifiedAt int64           `db:"remote_modified_at" json:"remote_modified_at"`
	DetectedAt       int64           `db:"detected_at" json:"detected_at"`
	Resolved         bool            `db:"resolved" json:"resolved"`
	Resolution       Resolution      `db:"resolution" json:"resolution"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// ManualPending reports whether the conflict still awaits a human decision.
func (c *ConflictRecord) ManualPending() bool {
	return !c.Resolved && c.Resolution == ResolutionManualPending
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
