// Package models provides data model definitions for the syncbox core.
package models

// ScopeStatus is the lifecycle state of a bulk prefetch.
type ScopeStatus string

const (
	ScopeInProgress ScopeStatus = "in_progress"
	ScopeComplete   ScopeStatus = "complete"
	ScopeError      ScopeStatus = "error"
	ScopeCancelled  ScopeStatus = "cancelled"
)

// DownloadScope describes a user-initiated bulk prefetch of one
// collection. Scopes are retained until explicitly cleared, independent of
// cache entry TTLs.
type DownloadScope struct {
	ID            UUID        `db:"id" json:"id"`
	Collection    string      `db:"collection" json:"collection"`
	Status        ScopeStatus `db:"status" json:"status"`
	Progress      int         `db:"progress" json:"progress"` // 0-100
	BytesEstimate int64       `db:"bytes_estimate" json:"bytes_estimate"`
	RequestedAt   int64       `db:"requested_at" json:"requested_at"`
	LastError     string      `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for DownloadScope.
func (DownloadScope) TableName() string {
	return "download_scopes"
}

// Active reports whether the prefetch is still running.
func (s *DownloadScope) Active() bool {
	return s.Status == ScopeInProgress
}
