// Package store provides durable local persistence for the sync core.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/models"
)

// SQLiteStore is the default Store backend, a single SQLite file opened
// with WAL mode and foreign keys. Pure Go driver, no CGO.
type SQLiteStore struct {
	db   *sql.DB
	opts Options

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt

	// Serializes quota accounting across concurrent PutEntry calls.
	putMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the store database under dataDir
// and applies pending schema migrations.
func OpenSQLite(dataDir string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "syncbox.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrator := NewMigrator(db)
	if err := migrator.Initialize(); err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := migrator.Up(); err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to apply migrations", err)
	}

	return &SQLiteStore{db: db, opts: opts}, nil
}

// Close closes the database connection and cached statements.
func (s *SQLiteStore) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *SQLiteStore) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// =====================================================
// Cache Entry Operations
// =====================================================

const entryColumns = "collection, key, payload, cached_at, expires_at, version, last_synced_at, pending"

// GetEntry retrieves a cache entry, or NOT_FOUND if absent.
func (s *SQLiteStore) GetEntry(collection, key string) (*models.CacheEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cache_entries WHERE collection = ? AND key = ?`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	entry, err := scanEntry(stmt.QueryRow(collection, key))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("no cache entry for %s/%s", collection, key))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read cache entry", err)
	}
	return entry, nil
}

func scanEntry(row *sql.Row) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	var lastSynced sql.NullInt64
	err := row.Scan(&entry.Collection, &entry.Key, &entry.Payload, &entry.CachedAt,
		&entry.ExpiresAt, &entry.Version, &lastSynced, &entry.Pending)
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		entry.LastSyncedAt = &lastSynced.Int64
	}
	return &entry, nil
}

// PutEntry stores a cache entry, overwriting unconditionally. Under quota
// pressure it sweeps expired entries and evicts shortest-TTL-class/oldest
// entries; if the payload still cannot fit, it fails with
// STORAGE_EXHAUSTED rather than dropping anything silently.
func (s *SQLiteStore) PutEntry(entry *models.CacheEntry) error {
	if entry.ExpiresAt < entry.CachedAt {
		return errors.New(errors.ErrValidation, "expires_at must not precede cached_at")
	}

	s.putMu.Lock()
	defer s.putMu.Unlock()

	if err := s.ensureCapacity(entry); err != nil {
		return err
	}

	query := `
	INSERT INTO cache_entries (` + entryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, key) DO UPDATE SET
		payload = excluded.payload,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at,
		version = excluded.version,
		last_synced_at = excluded.last_synced_at,
		pending = excluded.pending
	`
	var lastSynced interface{}
	if entry.LastSyncedAt != nil {
		lastSynced = *entry.LastSyncedAt
	}
	_, err := s.db.Exec(query, entry.Collection, entry.Key, []byte(entry.Payload),
		entry.CachedAt, entry.ExpiresAt, entry.Version, lastSynced, entry.Pending)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to write cache entry", err)
	}
	return nil
}

// ensureCapacity makes room for an incoming entry. Pending optimistic
// entries are never evicted: they hold writes the server has not
// confirmed yet.
func (s *SQLiteStore) ensureCapacity(incoming *models.CacheEntry) error {
	if s.opts.QuotaBytes <= 0 {
		return nil
	}

	usage, err := s.EstimateUsage()
	if err != nil {
		return err
	}

	var oldSize int64
	s.db.QueryRow("SELECT COALESCE(LENGTH(payload), 0) FROM cache_entries WHERE collection = ? AND key = ?",
		incoming.Collection, incoming.Key).Scan(&oldSize)

	projected := usage.Used - oldSize + int64(len(incoming.Payload))
	highWater := int64(float64(s.opts.QuotaBytes) * s.opts.highWater())
	if projected <= highWater {
		return nil
	}

	// Drop expired entries first.
	if _, err := s.SweepExpired(time.Now().Unix()); err != nil {
		return err
	}

	rows, err := s.db.Query(`
		SELECT collection, key, cached_at, LENGTH(payload)
		FROM cache_entries
		WHERE pending = 0 AND NOT (collection = ? AND key = ?)`,
		incoming.Collection, incoming.Key)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to list eviction candidates", err)
	}
	var candidates []evictionCandidate
	for rows.Next() {
		var c evictionCandidate
		if err := rows.Scan(&c.Collection, &c.Key, &c.CachedAt, &c.Size); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrStorage, "failed to scan eviction candidate", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

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
		if err := s.DeleteEntry(c.Collection, c.Key); err != nil {
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
func (s *SQLiteStore) DeleteEntry(collection, key string) error {
	_, err := s.db.Exec("DELETE FROM cache_entries WHERE collection = ? AND key = ?", collection, key)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete cache entry", err)
	}
	return nil
}

// ListEntries returns all entries of a collection, oldest first.
func (s *SQLiteStore) ListEntries(collection string) ([]*models.CacheEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cache_entries WHERE collection = ? ORDER BY cached_at ASC`
	rows, err := s.db.Query(query, collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list cache entries", err)
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		var entry models.CacheEntry
		var lastSynced sql.NullInt64
		err := rows.Scan(&entry.Collection, &entry.Key, &entry.Payload, &entry.CachedAt,
			&entry.ExpiresAt, &entry.Version, &lastSynced, &entry.Pending)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan cache entry", err)
		}
		if lastSynced.Valid {
			entry.LastSyncedAt = &lastSynced.Int64
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// InvalidateCollection removes every entry of a collection.
func (s *SQLiteStore) InvalidateCollection(collection string) error {
	_, err := s.db.Exec("DELETE FROM cache_entries WHERE collection = ?", collection)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to invalidate collection", err)
	}
	return nil
}

// SweepExpired removes entries whose TTL elapsed and returns the count.
// Pending optimistic entries survive the sweep.
func (s *SQLiteStore) SweepExpired(now int64) (int, error) {
	res, err := s.db.Exec("DELETE FROM cache_entries WHERE expires_at <= ? AND pending = 0", now)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to sweep expired entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EstimateUsage reports cached payload bytes against the quota.
func (s *SQLiteStore) EstimateUsage() (Usage, error) {
	var used int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM cache_entries").Scan(&used)
	if err != nil {
		return Usage{}, errors.Wrap(errors.ErrStorage, "failed to estimate usage", err)
	}
	return Usage{Used: used, Quota: s.opts.QuotaBytes}, nil
}

// =====================================================
// Pending Mutation Operations
// =====================================================

const mutationColumns = "id, kind, collection, key, payload, base_version, enqueued_at, attempt, next_attempt_at, status, priority, last_error"

// PutMutation inserts or updates a queued mutation by id.
func (s *SQLiteStore) PutMutation(m *models.Mutation) error {
	query := `
	INSERT INTO pending_mutations (` + mutationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		payload = excluded.payload,
		base_version = excluded.base_version,
		attempt = excluded.attempt,
		next_attempt_at = excluded.next_attempt_at,
		status = excluded.status,
		priority = excluded.priority,
		last_error = excluded.last_error
	`
	_, err := s.db.Exec(query, m.ID, m.Kind, m.Collection, m.Key, []byte(m.Payload),
		m.BaseVersion, m.EnqueuedAt, m.Attempt, m.NextAttemptAt, m.Status, int(m.Priority), m.LastError)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist mutation", err)
	}
	return nil
}

// DeleteMutation removes a mutation after confirmed success or cancel.
func (s *SQLiteStore) DeleteMutation(id models.UUID) error {
	_, err := s.db.Exec("DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete mutation", err)
	}
	return nil
}

// ListMutations returns every persisted mutation in drain order.
func (s *SQLiteStore) ListMutations() ([]*models.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM pending_mutations ORDER BY priority DESC, enqueued_at ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list mutations", err)
	}
	defer rows.Close()

	var mutations []*models.Mutation
	for rows.Next() {
		var m models.Mutation
		var priority int
		err := rows.Scan(&m.ID, &m.Kind, &m.Collection, &m.Key, &m.Payload, &m.BaseVersion,
			&m.EnqueuedAt, &m.Attempt, &m.NextAttemptAt, &m.Status, &priority, &m.LastError)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan mutation", err)
		}
		m.Priority = models.Priority(priority)
		mutations = append(mutations, &m)
	}
	return mutations, rows.Err()
}

// =====================================================
// Conflict Record Operations
// =====================================================

const conflictColumns = "id, collection, key, local_payload, remote_payload, local_version, remote_version, local_modified_at, remote_modified_at, detected_at, resolved, resolution"

// PutConflict persists a conflict record awaiting manual resolution.
func (s *SQLiteStore) PutConflict(c *models.ConflictRecord) error {
	query := `
	INSERT INTO conflict_records (` + conflictColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		resolved = excluded.resolved,
		resolution = excluded.resolution
	`
	_, err := s.db.Exec(query, c.ID, c.Collection, c.Key, []byte(c.LocalPayload), []byte(c.RemotePayload),
		c.LocalVersion, c.RemoteVersion, c.LocalModifiedAt, c.RemoteModifiedAt,
		c.DetectedAt, c.Resolved, c.Resolution)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist conflict record", err)
	}
	return nil
}

// GetConflict returns a conflict record by ID.
func (s *SQLiteStore) GetConflict(id models.UUID) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE id = ?`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	var c models.ConflictRecord
	err = stmt.QueryRow(id).Scan(&c.ID, &c.Collection, &c.Key, &c.LocalPayload, &c.RemotePayload,
		&c.LocalVersion, &c.RemoteVersion, &c.LocalModifiedAt, &c.RemoteModifiedAt,
		&c.DetectedAt, &c.Resolved, &c.Resolution)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "conflict record not found: "+string(id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get conflict record", err)
	}
	return &c, nil
}

// DeleteConflict removes a conflict record once resolved and applied.
func (s *SQLiteStore) DeleteConflict(id models.UUID) error {
	_, err := s.db.Exec("DELETE FROM conflict_records WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete conflict record", err)
	}
	return nil
}

// ListConflicts returns persisted conflict records, oldest first.
func (s *SQLiteStore) ListConflicts() ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records ORDER BY detected_at ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list conflict records", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		err := rows.Scan(&c.ID, &c.Collection, &c.Key, &c.LocalPayload, &c.RemotePayload,
			&c.LocalVersion, &c.RemoteVersion, &c.LocalModifiedAt, &c.RemoteModifiedAt,
			&c.DetectedAt, &c.Resolved, &c.Resolution)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan conflict record", err)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

// =====================================================
// Download Scope Operations
// =====================================================

const scopeColumns = "id, collection, status, progress, bytes_estimate, requested_at, last_error"

// PutScope inserts or updates a download scope.
func (s *SQLiteStore) PutScope(scope *models.DownloadScope) error {
	query := `
	INSERT INTO download_scopes (` + scopeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		progress = excluded.progress,
		bytes_estimate = excluded.bytes_estimate,
		last_error = excluded.last_error
	`
	_, err := s.db.Exec(query, scope.ID, scope.Collection, scope.Status, scope.Progress,
		scope.BytesEstimate, scope.RequestedAt, scope.LastError)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist download scope", err)
	}
	return nil
}

// GetScope retrieves a download scope by id.
func (s *SQLiteStore) GetScope(id models.UUID) (*models.DownloadScope, error) {
	query := `SELECT ` + scopeColumns + ` FROM download_scopes WHERE id = ?`
	var scope models.DownloadScope
	err := s.db.QueryRow(query, id).Scan(&scope.ID, &scope.Collection, &scope.Status,
		&scope.Progress, &scope.BytesEstimate, &scope.RequestedAt, &scope.LastError)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("no download scope %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read download scope", err)
	}
	return &scope, nil
}

// ListScopes returns all download scopes, newest first.
func (s *SQLiteStore) ListScopes() ([]*models.DownloadScope, error) {
	query := `SELECT ` + scopeColumns + ` FROM download_scopes ORDER BY requested_at DESC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list download scopes", err)
	}
	defer rows.Close()

	var scopes []*models.DownloadScope
	for rows.Next() {
		var scope models.DownloadScope
		err := rows.Scan(&scope.ID, &scope.Collection, &scope.Status, &scope.Progress,
			&scope.BytesEstimate, &scope.RequestedAt, &scope.LastError)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan download scope", err)
		}
		scopes = append(scopes, &scope)
	}
	return scopes, rows.Err()
}

// DeleteScope removes a download scope when the user clears it.
func (s *SQLiteStore) DeleteScope(id models.UUID) error {
	_, err := s.db.Exec("DELETE FROM download_scopes WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete download scope", err)
	}
	return nil
}
