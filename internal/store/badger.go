// Package store provides durable local persistence for the sync core.
package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/models"
)

// Key layout: a type prefix, then path parts joined by a NUL byte so
// collection names containing '/' cannot collide.
const (
	prefixEntry    = "e/"
	prefixMutation = "m/"
	prefixConflict = "c/"
	prefixScope    = "s/"
	keySep         = "\x00"
)

// BadgerStore is the LSM-tree Store backend. Useful on targets where a
// single-file SQLite database is not a good fit.
type BadgerStore struct {
	db   *badger.DB
	opts Options

	putMu sync.Mutex
}

// OpenBadger opens (creating if needed) a Badger store under dataDir.
func OpenBadger(dataDir string, opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(filepath.Join(dataDir, "syncbox-badger"))
	// Quiet the library's own logging; the core logs its own events.
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open badger store", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

// Close closes the store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func entryKey(collection, key string) []byte {
	return []byte(prefixEntry + collection + keySep + key)
}

func (s *BadgerStore) get(key []byte, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, out)
		})
	})
}

func (s *BadgerStore) set(key []byte, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode record", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to write record", err)
	}
	return nil
}

func (s *BadgerStore) delete(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete record", err)
	}
	return nil
}

// scan iterates raw values with the given prefix.
func (s *BadgerStore) scan(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				return fn(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// =====================================================
// Cache Entry Operations
// =====================================================

// GetEntry retrieves a cache entry, or NOT_FOUND if absent.
func (s *BadgerStore) GetEntry(collection, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.get(entryKey(collection, key), &entry)
	if err == badger.ErrKeyNotFound {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("no cache entry for %s/%s", collection, key))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read cache entry", err)
	}
	return &entry, nil
}

// PutEntry stores a cache entry, evicting under quota pressure with the
// same policy as the SQLite backend.
func (s *BadgerStore) PutEntry(entry *models.CacheEntry) error {
	if entry.ExpiresAt < entry.CachedAt {
		return errors.New(errors.ErrValidation, "expires_at must not precede cached_at")
	}

	s.putMu.Lock()
	defer s.putMu.Unlock()

	if err := s.ensureCapacity(entry); err != nil {
		return err
	}

	return s.set(entryKey(entry.Collection, entry.Key), entry)
}

func (s *BadgerStore) ensureCapacity(incoming *models.CacheEntry) error {
	if s.opts.QuotaBytes <= 0 {
		return nil
	}

	var oldSize int64
	if existing, err := s.GetEntry(incoming.Collection, incoming.Key); err == nil {
		oldSize = int64(len(existing.Payload))
	}

	usage, err := s.EstimateUsage()
	if err != nil {
		return err
	}

	projected := usage.Used - oldSize + int64(len(incoming.Payload))
	highWater := int64(float64(s.opts.QuotaBytes) * s.opts.highWater())
	if projected <= highWater {
		return nil
	}

	if _, err := s.SweepExpired(time.Now().Unix()); err != nil {
		return err
	}

	var candidates []evictionCandidate
	err = s.scan([]byte(prefixEntry), func(val []byte) error {
		var entry models.CacheEntry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return err
		}
		if entry.Pending {
			return nil
		}
		if entry.Collection == incoming.Collection && entry.Key == incoming.Key {
			return nil
		}
		candidates = append(candidates, evictionCandidate{
			Collection: entry.Collection,
			Key:        entry.Key,
			CachedAt:   entry.CachedAt,
			Size:       int64(len(entry.Payload)),
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to list eviction candidates", err)
	}

	usage, err = s.EstimateUsage()
	if err != nil {
		return err
	}
	projected = usage.Used - oldSize + int64(len(incoming.Payload))

	orderForEviction(candidates, &s.opts)
	for _, c := range candidates {
		if projected <= highWater {
			break
		}
		if err := s.delete(entryKey(c.Collection, c.Key)); err != nil {
			return err
		}
		projected -= c.Size
	}

	if projected > s.opts.QuotaBytes {
		return errors.New(errors.ErrStorageExhausted,
			fmt.Sprintf("cache quota exceeded: %d bytes needed, %d quota", projected, s.opts.QuotaBytes))
	}
	return nil
}

// DeleteEntry removes a single cache entry. Missing entries are not an
// error.
func (s *BadgerStore) DeleteEntry(collection, key string) error {
	return s.delete(entryKey(collection, key))
}

// ListEntries returns all entries of a collection, oldest first.
func (s *BadgerStore) ListEntries(collection string) ([]*models.CacheEntry, error) {
	var entries []*models.CacheEntry
	err := s.scan([]byte(prefixEntry+collection+keySep), func(val []byte) error {
		var entry models.CacheEntry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return err
		}
		entries = append(entries, &entry)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list cache entries", err)
	}
	// Badger iterates in key order; restore cached_at order.
	sortEntriesByCachedAt(entries)
	return entries, nil
}

func sortEntriesByCachedAt(entries []*models.CacheEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CachedAt < entries[j].CachedAt
	})
}

// InvalidateCollection removes every entry of a collection.
func (s *BadgerStore) InvalidateCollection(collection string) error {
	entries, err := s.ListEntries(collection)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.delete(entryKey(entry.Collection, entry.Key)); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired removes entries whose TTL elapsed and returns the count.
// Pending optimistic entries survive the sweep.
func (s *BadgerStore) SweepExpired(now int64) (int, error) {
	var expired []*models.CacheEntry
	err := s.scan([]byte(prefixEntry), func(val []byte) error {
		var entry models.CacheEntry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return err
		}
		if !entry.Pending && entry.Expired(now) {
			expired = append(expired, &entry)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to scan for expired entries", err)
	}

	for _, entry := range expired {
		if err := s.delete(entryKey(entry.Collection, entry.Key)); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// EstimateUsage reports cached payload bytes against the quota.
func (s *BadgerStore) EstimateUsage() (Usage, error) {
	var used int64
	err := s.scan([]byte(prefixEntry), func(val []byte) error {
		var entry models.CacheEntry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return err
		}
		used += int64(len(entry.Payload))
		return nil
	})
	if err != nil {
		return Usage{}, errors.Wrap(errors.ErrStorage, "failed to estimate usage", err)
	}
	return Usage{Used: used, Quota: s.opts.QuotaBytes}, nil
}

// =====================================================
// Pending Mutation Operations
// =====================================================

// PutMutation inserts or updates a queued mutation by id.
func (s *BadgerStore) PutMutation(m *models.Mutation) error {
	return s.set([]byte(prefixMutation+string(m.ID)), m)
}

// DeleteMutation removes a mutation after confirmed success or cancel.
func (s *BadgerStore) DeleteMutation(id models.UUID) error {
	return s.delete([]byte(prefixMutation + string(id)))
}

// ListMutations returns every persisted mutation in drain order.
func (s *BadgerStore) ListMutations() ([]*models.Mutation, error) {
	var mutations []*models.Mutation
	err := s.scan([]byte(prefixMutation), func(val []byte) error {
		var m models.Mutation
		if err := msgpack.Unmarshal(val, &m); err != nil {
			return err
		}
		mutations = append(mutations, &m)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list mutations", err)
	}

	// Priority descending, enqueue time ascending within a tier.
	sort.SliceStable(mutations, func(i, j int) bool {
		if mutations[i].Priority != mutations[j].Priority {
			return mutations[i].Priority > mutations[j].Priority
		}
		return mutations[i].EnqueuedAt < mutations[j].EnqueuedAt
	})
	return mutations, nil
}

// =====================================================
// Conflict Record Operations
// =====================================================

// PutConflict persists a conflict record awaiting manual resolution.
func (s *BadgerStore) PutConflict(c *models.ConflictRecord) error {
	return s.set([]byte(prefixConflict+string(c.ID)), c)
}

// GetConflict returns a conflict record by ID.
func (s *BadgerStore) GetConflict(id models.UUID) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	err := s.get([]byte(prefixConflict+string(id)), &c)
	if err == badger.ErrKeyNotFound {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("no conflict record %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read conflict record", err)
	}
	return &c, nil
}

// DeleteConflict removes a conflict record once resolved and applied.
func (s *BadgerStore) DeleteConflict(id models.UUID) error {
	return s.delete([]byte(prefixConflict + string(id)))
}

// ListConflicts returns persisted conflict records, oldest first.
func (s *BadgerStore) ListConflicts() ([]*models.ConflictRecord, error) {
	var conflicts []*models.ConflictRecord
	err := s.scan([]byte(prefixConflict), func(val []byte) error {
		var c models.ConflictRecord
		if err := msgpack.Unmarshal(val, &c); err != nil {
			return err
		}
		conflicts = append(conflicts, &c)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list conflict records", err)
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt < conflicts[j].DetectedAt
	})
	return conflicts, nil
}

// =====================================================
// Download Scope Operations
// =====================================================

// PutScope inserts or updates a download scope.
func (s *BadgerStore) PutScope(scope *models.DownloadScope) error {
	return s.set([]byte(prefixScope+string(scope.ID)), scope)
}

// GetScope retrieves a download scope by id.
func (s *BadgerStore) GetScope(id models.UUID) (*models.DownloadScope, error) {
	var scope models.DownloadScope
	err := s.get([]byte(prefixScope+string(id)), &scope)
	if err == badger.ErrKeyNotFound {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("no download scope %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read download scope", err)
	}
	return &scope, nil
}

// ListScopes returns all download scopes, newest first.
func (s *BadgerStore) ListScopes() ([]*models.DownloadScope, error) {
	var scopes []*models.DownloadScope
	err := s.scan([]byte(prefixScope), func(val []byte) error {
		var scope models.DownloadScope
		if err := msgpack.Unmarshal(val, &scope); err != nil {
			return err
		}
		scopes = append(scopes, &scope)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list download scopes", err)
	}

	sort.SliceStable(scopes, func(i, j int) bool {
		return scopes[i].RequestedAt > scopes[j].RequestedAt
	})
	return scopes, nil
}

// DeleteScope removes a download scope when the user clears it.
func (s *BadgerStore) DeleteScope(id models.UUID) error {
	return s.delete([]byte(prefixScope + string(id)))
}
