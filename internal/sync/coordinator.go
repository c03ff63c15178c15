// Package sync coordinates the cache, the mutation queue, the conflict
// resolver and the network monitor behind one façade. Callers read and
// write through it and never talk to the pieces directly.
package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/kimhsiao/syncbox/internal/config"
	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/logging"
	"github.com/kimhsiao/syncbox/internal/models"
	"github.com/kimhsiao/syncbox/internal/netmon"
	"github.com/kimhsiao/syncbox/internal/remote"
	"github.com/kimhsiao/syncbox/internal/store"
	"github.com/kimhsiao/syncbox/internal/sync/conflict"
	"github.com/kimhsiao/syncbox/internal/sync/events"
	"github.com/kimhsiao/syncbox/internal/sync/queue"
	"github.com/kimhsiao/syncbox/internal/uuid"
)

// Coordinator is the sync façade. All methods are safe for concurrent
// use.
type Coordinator struct {
	store    store.Store
	client   remote.Client
	queue    *queue.SyncQueue
	monitor  *netmon.Monitor
	resolver *conflict.Resolver
	bus      *events.Bus
	config   config.Config

	mu          gosync.RWMutex
	lastDrainAt int64
	listFresh   map[string]int64 // collection -> unix of last remote list refresh
	downloads   map[models.UUID]context.CancelFunc

	unsubscribe func()
	now         func() time.Time
}

// NewCoordinator wires the pieces together. The queue's conflict and
// applied handlers are installed here, and a reconnect subscription
// triggers a drain when the debounced online signal fires.
func NewCoordinator(st store.Store, client remote.Client, q *queue.SyncQueue, monitor *netmon.Monitor, cfg config.Config) *Coordinator {
	c := &Coordinator{
		store:     st,
		client:    client,
		queue:     q,
		monitor:   monitor,
		resolver:  conflict.NewResolver(),
		bus:       events.NewBus(),
		config:    cfg,
		listFresh: make(map[string]int64),
		downloads: make(map[models.UUID]context.CancelFunc),
		now:       time.Now,
	}

	q.SetConflictHandler(c.resolveQueueConflict)
	q.SetAppliedHandler(c.onMutationApplied)
	q.SetProgressHandler(func(r queue.Report) {
		c.bus.Publish(events.Event{
			Type: events.SyncProgress,
			Detail: map[string]interface{}{
				"succeeded": r.Succeeded,
				"retried":   r.Retried,
				"failed":    r.Failed,
				"remaining": r.Remaining,
			},
		})
	})

	c.unsubscribe = monitor.OnChange(func(online bool) {
		if online {
			go c.Drain(context.Background())
		}
	})
	return c
}

// Events returns the bus carrying lifecycle notifications.
func (c *Coordinator) Events() *events.Bus {
	return c.bus
}

// UpdateConfig swaps the active configuration, applied to writes and
// refreshes from the next operation on.
func (c *Coordinator) UpdateConfig(cfg config.Config) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	logging.Info("Configuration updated", map[string]interface{}{
		"collections": len(cfg.Collections),
	})
}

// policy returns the collection policy under the current configuration.
func (c *Coordinator) policy(name string) config.CollectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Collection(name)
}

// Close detaches the coordinator from the network monitor and cancels
// running downloads. The store is owned by the caller.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	for _, cancel := range c.downloads {
		cancel()
	}
	c.mu.Unlock()
}

// Read returns the record for collection/key: remote when reachable,
// cache otherwise. Entries served from cache keep their Pending flag so
// callers can tell optimistic data from confirmed data.
func (c *Coordinator) Read(ctx context.Context, collection, key string) (*models.CacheEntry, error) {
	if c.monitor.IsOnline() {
		record, err := c.client.Get(ctx, collection, key)
		if err == nil {
			return c.absorbRemote(collection, key, record)
		}
		if errors.Is(err, errors.ErrNotFound) {
			// The remote is authoritative about absence, except for an
			// optimistic write it has not seen yet.
			if entry, cacheErr := c.cachedEntry(collection, key); cacheErr == nil && entry.Pending {
				return entry, nil
			}
			c.store.DeleteEntry(collection, key)
			return nil, err
		}
		logging.Warn("Remote read failed, falling back to cache", map[string]interface{}{
			"collection": collection,
			"key":        key,
			"error":      err.Error(),
		})
		if entry, cacheErr := c.cachedEntry(collection, key); cacheErr == nil {
			return entry, nil
		}
		return nil, err
	}

	entry, err := c.cachedEntry(collection, key)
	if err != nil {
		return nil, errors.New(errors.ErrDataUnavailable,
			"offline and no cached data for "+collection+"/"+key)
	}
	return entry, nil
}

// List returns the records of a collection, remote-first with cache
// fallback. Offline with an empty cache is DATA_UNAVAILABLE rather than
// an empty result, so callers can distinguish "nothing there" from
// "never fetched".
func (c *Coordinator) List(ctx context.Context, collection string) ([]*models.CacheEntry, error) {
	if c.monitor.IsOnline() {
		records, err := c.client.List(ctx, collection)
		if err == nil {
			out := make([]*models.CacheEntry, 0, len(records))
			for i := range records {
				entry, absorbErr := c.absorbRemote(collection, records[i].Key, &records[i])
				if absorbErr != nil {
					return nil, absorbErr
				}
				out = append(out, entry)
			}
			c.mu.Lock()
			c.listFresh[collection] = c.now().Unix()
			c.mu.Unlock()
			return out, nil
		}
		logging.Warn("Remote list failed, falling back to cache", map[string]interface{}{
			"collection": collection,
			"error":      err.Error(),
		})
	}

	entries, err := c.store.ListEntries(collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list cached entries", err)
	}
	now := c.now().Unix()
	usable := entries[:0]
	for _, e := range entries {
		if e.Pending || !e.Expired(now) {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 && !c.monitor.IsOnline() {
		if _, seen := c.freshAt(collection); !seen {
			return nil, errors.New(errors.ErrDataUnavailable,
				"offline and no cached data for collection "+collection)
		}
	}
	return usable, nil
}

// Write applies a mutation: remote-first when online, otherwise an
// optimistic cache write plus a queued mutation. Rejections surface
// immediately and nothing is queued for them.
func (c *Coordinator) Write(ctx context.Context, collection, key string, kind models.MutationKind, payload json.RawMessage) (*models.Mutation, error) {
	baseVersion := int64(0)
	if existing, err := c.cachedEntry(collection, key); err == nil {
		baseVersion = existing.Version
	}

	m := &models.Mutation{
		ID:          models.UUID(uuid.New()),
		Kind:        kind,
		Collection:  collection,
		Key:         key,
		Payload:     payload,
		BaseVersion: baseVersion,
		Priority:    models.ParsePriority(c.policy(collection).Priority),
	}

	if c.monitor.IsOnline() {
		record, err := c.client.Apply(ctx, &remote.MutationRequest{
			ID:          m.ID,
			Kind:        m.Kind,
			Collection:  collection,
			Key:         key,
			Payload:     payload,
			BaseVersion: baseVersion,
		})
		switch {
		case err == nil:
			c.onMutationApplied(m, record)
			return m, nil
		case errors.Is(err, errors.ErrRejectedMutation), errors.Is(err, errors.ErrUnauthorized):
			return nil, err
		case errors.Is(err, errors.ErrConflict):
			// Queue it so the resolver path handles it on the next drain.
			logging.Warn("Write conflicted, deferring to queue", map[string]interface{}{
				"collection": collection,
				"key":        key,
			})
		default:
			logging.Warn("Remote write failed, queueing", map[string]interface{}{
				"collection": collection,
				"key":        key,
				"error":      err.Error(),
			})
		}
	}

	if _, err := c.queue.Enqueue(m); err != nil {
		return nil, err
	}
	if err := c.applyOptimistic(m); err != nil {
		// The queued mutation still delivers; only the local preview is
		// degraded.
		logging.ErrorWithCode("Optimistic cache write failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"collection": collection, "key": key})
	}
	return m, nil
}

// applyOptimistic reflects a queued mutation in the cache with the
// Pending flag set.
func (c *Coordinator) applyOptimistic(m *models.Mutation) error {
	if m.Kind == models.MutationDelete {
		return c.store.DeleteEntry(m.Collection, m.Key)
	}

	now := c.now().Unix()
	ttl := c.policy(m.Collection).TTLClass.Duration()
	return c.store.PutEntry(&models.CacheEntry{
		Collection: m.Collection,
		Key:        m.Key,
		Payload:    m.Payload,
		CachedAt:   now,
		ExpiresAt:  now + int64(ttl.Seconds()),
		Version:    m.BaseVersion,
		Pending:    true,
	})
}

// absorbRemote refreshes the cache with a remote record, unless a
// pending optimistic change for the key would be clobbered. In that
// case the conflict machinery decides.
func (c *Coordinator) absorbRemote(collection, key string, record *remote.Record) (*models.CacheEntry, error) {
	local, err := c.cachedEntry(collection, key)
	if err == nil && local.Pending {
		side := &conflict.Local{
			Payload:    local.Payload,
			Version:    local.Version,
			ModifiedAt: local.CachedAt,
		}
		remoteSide := &conflict.Remote{
			Payload:    record.Payload,
			Revision:   record.Revision,
			ModifiedAt: record.ModifiedAt,
		}
		if c.resolver.Detect(side, local.Version, remoteSide) {
			// Keep the optimistic entry; the queued mutation will hit the
			// conflict path when it is delivered.
			logging.Debug("Remote refresh deferred, local change pending", map[string]interface{}{
				"collection": collection,
				"key":        key,
			})
			return local, nil
		}
		return local, nil
	}

	entry := c.entryFromRecord(collection, key, record)
	if err := c.store.PutEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *Coordinator) entryFromRecord(collection, key string, record *remote.Record) *models.CacheEntry {
	now := c.now().Unix()
	ttl := c.policy(collection).TTLClass.Duration()
	return &models.CacheEntry{
		Collection:   collection,
		Key:          key,
		Payload:      record.Payload,
		CachedAt:     now,
		ExpiresAt:    now + int64(ttl.Seconds()),
		Version:      record.Revision,
		LastSyncedAt: &now,
	}
}

// cachedEntry returns a usable cached entry: pending entries always,
// confirmed entries only until they expire.
func (c *Coordinator) cachedEntry(collection, key string) (*models.CacheEntry, error) {
	entry, err := c.store.GetEntry(collection, key)
	if err != nil {
		return nil, err
	}
	if !entry.Pending && entry.Expired(c.now().Unix()) {
		return nil, errors.New(errors.ErrNotFound, "cached entry expired")
	}
	return entry, nil
}

// onMutationApplied lands a delivered mutation in the cache, clearing
// the pending marker and invalidating the collection's list freshness.
func (c *Coordinator) onMutationApplied(m *models.Mutation, record *remote.Record) {
	c.mu.Lock()
	delete(c.listFresh, m.Collection)
	c.mu.Unlock()

	if m.Kind == models.MutationDelete {
		if err := c.store.DeleteEntry(m.Collection, m.Key); err != nil {
			logging.ErrorWithCode("Failed to drop deleted entry", string(errors.CodeOf(err)), err, nil)
		}
		return
	}

	now := c.now().Unix()
	ttl := c.policy(m.Collection).TTLClass.Duration()
	entry := &models.CacheEntry{
		Collection:   m.Collection,
		Key:          m.Key,
		Payload:      m.Payload,
		CachedAt:     now,
		ExpiresAt:    now + int64(ttl.Seconds()),
		LastSyncedAt: &now,
	}
	if record != nil {
		entry.Payload = record.Payload
		entry.Version = record.Revision
	}
	if err := c.store.PutEntry(entry); err != nil {
		logging.ErrorWithCode("Failed to confirm delivered mutation in cache", string(errors.CodeOf(err)), err,
			map[string]interface{}{"collection": m.Collection, "key": m.Key})
	}
}

// resolveQueueConflict bridges the queue's conflict signal to the
// resolver using the collection's configured strategy.
func (c *Coordinator) resolveQueueConflict(ctx context.Context, m *models.Mutation) (*queue.ConflictDecision, error) {
	record, err := c.client.Get(ctx, m.Collection, m.Key)
	if err != nil {
		return nil, errors.Wrap(errors.CodeOf(err), "failed to fetch remote side of conflict", err)
	}

	localModified := m.EnqueuedAt
	if entry, cacheErr := c.store.GetEntry(m.Collection, m.Key); cacheErr == nil {
		localModified = entry.CachedAt
	}

	local := &conflict.Local{Payload: m.Payload, Version: m.BaseVersion, ModifiedAt: localModified}
	remoteSide := &conflict.Remote{Payload: record.Payload, Revision: record.Revision, ModifiedAt: record.ModifiedAt}

	conflictID := models.UUID(uuid.New())
	detectedAt := c.now().Unix()
	strategy := conflict.Strategy(c.policy(m.Collection).Strategy)

	c.bus.Publish(events.Event{
		Type:       events.ConflictDetected,
		Collection: m.Collection,
		Key:        m.Key,
		ConflictID: string(conflictID),
	})

	outcome, err := c.resolver.Resolve(m.Collection, m.Key, conflictID, local, remoteSide, strategy, detectedAt)
	if err != nil {
		return nil, err
	}
	if err := c.store.PutConflict(outcome.Record); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to persist conflict record", err)
	}

	switch outcome.Resolution {
	case models.ResolutionLocal:
		c.publishResolved(outcome.Record)
		return &queue.ConflictDecision{Action: queue.ActionRetryLocal, Payload: outcome.Payload}, nil

	case models.ResolutionRemote:
		if err := c.store.PutEntry(c.entryFromRecord(m.Collection, m.Key, record)); err != nil {
			return nil, err
		}
		c.publishResolved(outcome.Record)
		return &queue.ConflictDecision{Action: queue.ActionAdoptRemote}, nil

	default:
		return &queue.ConflictDecision{Action: queue.ActionManual}, nil
	}
}

func (c *Coordinator) publishResolved(record *models.ConflictRecord) {
	c.bus.Publish(events.Event{
		Type:       events.ConflictResolved,
		Collection: record.Collection,
		Key:        record.Key,
		ConflictID: string(record.ID),
		Detail:     map[string]interface{}{"resolution": string(record.Resolution)},
	})
}

// ApplyResolution settles a manual-pending conflict. choice is local or
// remote. Anything else than a manual-pending record is a warned no-op
// so a double click in a UI cannot corrupt state.
func (c *Coordinator) ApplyResolution(ctx context.Context, conflictID models.UUID, choice models.Resolution) error {
	record, err := c.store.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if !record.ManualPending() {
		logging.Warn("Resolution ignored, conflict is not awaiting manual input", map[string]interface{}{
			"conflict_id": string(conflictID),
			"resolution":  string(record.Resolution),
		})
		return nil
	}
	if choice != models.ResolutionLocal && choice != models.ResolutionRemote {
		return errors.New(errors.ErrInvalid, "resolution choice must be local or remote")
	}

	// Find the frozen mutation this conflict belongs to.
	var frozen *models.Mutation
	for _, m := range c.queue.GetFailed() {
		if m.Collection == record.Collection && m.Key == record.Key {
			frozen = m
			break
		}
	}

	if choice == models.ResolutionLocal {
		if frozen != nil {
			if err := c.queue.RetryWithPayload(frozen.ID, record.LocalPayload); err != nil {
				return err
			}
		}
	} else {
		if frozen != nil {
			if err := c.queue.Discard(frozen.ID); err != nil {
				return err
			}
		}
		now := c.now().Unix()
		ttl := c.policy(record.Collection).TTLClass.Duration()
		if err := c.store.PutEntry(&models.CacheEntry{
			Collection:   record.Collection,
			Key:          record.Key,
			Payload:      record.RemotePayload,
			CachedAt:     now,
			ExpiresAt:    now + int64(ttl.Seconds()),
			Version:      record.RemoteVersion,
			LastSyncedAt: &now,
		}); err != nil {
			return err
		}
	}

	record.Resolved = true
	record.Resolution = choice
	if err := c.store.PutConflict(record); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist resolution", err)
	}
	c.publishResolved(record)
	return nil
}

// Conflicts returns unresolved conflict records.
func (c *Coordinator) Conflicts() ([]*models.ConflictRecord, error) {
	all, err := c.store.ListConflicts()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out, nil
}

// Drain delivers the queued backlog once, publishing lifecycle events
// around the pass.
func (c *Coordinator) Drain(ctx context.Context) (*queue.Report, error) {
	if c.queue.Draining() {
		return c.queue.ProcessOnce(ctx) // Re-entrant call reports backlog only.
	}

	c.bus.Publish(events.Event{Type: events.SyncStarted})
	report, err := c.queue.ProcessOnce(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastDrainAt = c.now().Unix()
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Type: events.SyncCompleted,
		Detail: map[string]interface{}{
			"succeeded": report.Succeeded,
			"retried":   report.Retried,
			"failed":    report.Failed,
			"remaining": report.Remaining,
		},
	})
	return report, nil
}

// State snapshots the sync status for callers and transports.
func (c *Coordinator) State() models.SyncState {
	pending, failed := c.queue.Counts()
	c.mu.RLock()
	lastDrain := c.lastDrainAt
	c.mu.RUnlock()

	return models.SyncState{
		Online:       c.monitor.IsOnline(),
		Draining:     c.queue.Draining(),
		PendingCount: pending,
		FailedCount:  failed,
		LastDrainAt:  lastDrain,
	}
}

// RequestDownload starts fetching a whole collection into the cache in
// the background and returns the scope ID to poll or cancel with.
func (c *Coordinator) RequestDownload(ctx context.Context, collection string) (models.UUID, error) {
	if !c.monitor.IsOnline() {
		return "", errors.New(errors.ErrDataUnavailable, "cannot download while offline")
	}

	scope := &models.DownloadScope{
		ID:          models.UUID(uuid.New()),
		Collection:  collection,
		Status:      models.ScopeInProgress,
		RequestedAt: c.now().Unix(),
	}
	if err := c.store.PutScope(scope); err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to persist download scope", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.downloads[scope.ID] = cancel
	c.mu.Unlock()

	go c.runDownload(jobCtx, scope)
	return scope.ID, nil
}

// runDownload fetches the collection and lands each record in the
// cache, reporting progress through the scope and the bus.
func (c *Coordinator) runDownload(ctx context.Context, scope *models.DownloadScope) {
	defer func() {
		c.mu.Lock()
		delete(c.downloads, scope.ID)
		c.mu.Unlock()
	}()

	finish := func(status models.ScopeStatus, progress int, lastErr string) {
		scope.Status = status
		scope.Progress = progress
		scope.LastError = lastErr
		if err := c.store.PutScope(scope); err != nil {
			logging.ErrorWithCode("Failed to persist download scope", string(errors.ErrStorage), err, nil)
		}
	}

	records, err := c.client.List(ctx, scope.Collection)
	if err != nil {
		if ctx.Err() != nil {
			finish(models.ScopeCancelled, scope.Progress, "")
			return
		}
		finish(models.ScopeError, scope.Progress, err.Error())
		return
	}

	for i := range records {
		if ctx.Err() != nil {
			// Cancellation keeps everything fetched so far.
			finish(models.ScopeCancelled, scope.Progress, "")
			return
		}
		entry := c.entryFromRecord(scope.Collection, records[i].Key, &records[i])
		if err := c.store.PutEntry(entry); err != nil {
			finish(models.ScopeError, scope.Progress, err.Error())
			return
		}
		scope.BytesEstimate += int64(len(records[i].Payload))

		progress := 100
		if len(records) > 0 {
			progress = (i + 1) * 100 / len(records)
		}
		scope.Progress = progress
		c.store.PutScope(scope)
		c.bus.Publish(events.Event{
			Type:       events.DownloadProgress,
			Collection: scope.Collection,
			ScopeID:    string(scope.ID),
			Progress:   progress,
		})
	}

	finish(models.ScopeComplete, 100, "")
	c.mu.Lock()
	c.listFresh[scope.Collection] = c.now().Unix()
	c.mu.Unlock()
}

// DownloadStatus returns the scope by ID.
func (c *Coordinator) DownloadStatus(id models.UUID) (*models.DownloadScope, error) {
	return c.store.GetScope(id)
}

// CancelDownload stops further fetching for a scope. Entries already
// cached stay cached.
func (c *Coordinator) CancelDownload(id models.UUID) error {
	c.mu.Lock()
	cancel, running := c.downloads[id]
	c.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	scope, err := c.store.GetScope(id)
	if err != nil {
		return err
	}
	if !scope.Active() {
		return nil
	}
	scope.Status = models.ScopeCancelled
	return c.store.PutScope(scope)
}

// freshAt reports when a collection was last refreshed from the remote.
func (c *Coordinator) freshAt(collection string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.listFresh[collection]
	return at, ok
}
