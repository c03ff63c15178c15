// Package models provides data model definitions for the syncbox core.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is one locally cached record, keyed by (collection, key).
// ExpiresAt >= CachedAt always holds; the store rejects violations.
type CacheEntry struct {
	Collection   string          `db:"collection" json:"collection"`
	Key          string          `db:"key" json:"key"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CachedAt     int64           `db:"cached_at" json:"cached_at"`
	ExpiresAt    int64           `db:"expires_at" json:"expires_at"`
	Version      int64           `db:"version" json:"version"`
	LastSyncedAt *int64          `db:"last_synced_at" json:"last_synced_at,omitempty"`
	// Pending marks an optimistic local value not yet confirmed against
	// the server.
	Pending bool `db:"pending" json:"pending"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *CacheEntry) Expired(now int64) bool {
	return e.ExpiresAt <= now
}

// Synced reports whether the entry has ever been confirmed against the
// remote store.
func (e *CacheEntry) Synced() bool {
	return e.LastSyncedAt != nil
}

// CachedAtTime returns CachedAt as time.Time.
func (e *CacheEntry) CachedAtTime() time.Time {
	return time.Unix(e.CachedAt, 0)
}
