// Package store provides durable local persistence for the sync core:
// cached entries, pending mutations, manual-pending conflict records and
// download scopes. Two backends implement the same contract, SQLite
// (default) and Badger; either must be able to reconstruct the full sync
// state after a process crash.
package store

import (
	"sort"

	"github.com/kimhsiao/syncbox/internal/models"
)

// Usage reports local storage consumption against the configured quota.
// Used counts cached payload bytes; queue and conflict rows are never
// evicted and are excluded from the accounting.
type Usage struct {
	Used  int64 `json:"used"`
	Quota int64 `json:"quota"`
}

// Ratio returns used/quota, or 0 when no quota is set.
func (u Usage) Ratio() float64 {
	if u.Quota <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Quota)
}

// Options tunes a store backend.
type Options struct {
	// QuotaBytes caps cached payload bytes. Zero disables quota checks.
	QuotaBytes int64
	// HighWaterRatio triggers eviction when usage crosses it.
	HighWaterRatio float64
	// ClassRank maps a collection to its TTL-class eviction rank; lower
	// ranks are evicted first. Nil ranks everything equal.
	ClassRank func(collection string) int
}

func (o *Options) rank(collection string) int {
	if o.ClassRank == nil {
		return 0
	}
	return o.ClassRank(collection)
}

func (o *Options) highWater() float64 {
	if o.HighWaterRatio <= 0 || o.HighWaterRatio > 1 {
		return 0.9
	}
	return o.HighWaterRatio
}

// Store is the persistence contract shared by all backends. Operations
// are atomic at single-entry granularity; PutEntry overwrites
// unconditionally, conflict checks happen before the caller gets here.
type Store interface {
	// Cache entries
	GetEntry(collection, key string) (*models.CacheEntry, error)
	PutEntry(entry *models.CacheEntry) error
	DeleteEntry(collection, key string) error
	ListEntries(collection string) ([]*models.CacheEntry, error)
	InvalidateCollection(collection string) error
	// SweepExpired removes entries whose TTL elapsed at now and returns
	// the count removed.
	SweepExpired(now int64) (int, error)
	EstimateUsage() (Usage, error)

	// Pending mutations (durable queue state)
	PutMutation(m *models.Mutation) error
	DeleteMutation(id models.UUID) error
	ListMutations() ([]*models.Mutation, error)

	// Conflict records pending manual resolution
	PutConflict(c *models.ConflictRecord) error
	GetConflict(id models.UUID) (*models.ConflictRecord, error)
	DeleteConflict(id models.UUID) error
	ListConflicts() ([]*models.ConflictRecord, error)

	// Download scopes
	PutScope(s *models.DownloadScope) error
	GetScope(id models.UUID) (*models.DownloadScope, error)
	ListScopes() ([]*models.DownloadScope, error)
	DeleteScope(id models.UUID) error

	Close() error
}

// evictionCandidate is a cache entry eligible for removal under storage
// pressure.
type evictionCandidate struct {
	Collection string
	Key        string
	CachedAt   int64
	Size       int64
}

// orderForEviction sorts candidates shortest-TTL-class first, then oldest
// CachedAt within a class. Both backends share this ordering so the
// eviction policy cannot drift between them.
func orderForEviction(candidates []evictionCandidate, opts *Options) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := opts.rank(candidates[i].Collection), opts.rank(candidates[j].Collection)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].CachedAt < candidates[j].CachedAt
	})
}
