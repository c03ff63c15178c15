// Package queue provides the durable mutation queue: local writes made
// while offline or during remote failures wait here until they can be
// delivered, surviving process restarts through the store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/logging"
	"github.com/kimhsiao/syncbox/internal/models"
	"github.com/kimhsiao/syncbox/internal/remote"
	"github.com/kimhsiao/syncbox/internal/store"
	"github.com/kimhsiao/syncbox/internal/uuid"
)

// ConflictAction is what the conflict handler tells the queue to do with
// a mutation the remote answered 409 to.
type ConflictAction string

const (
	// ActionRetryLocal resends the mutation with the winning payload.
	ActionRetryLocal ConflictAction = "retry_local"
	// ActionAdoptRemote drops the mutation; the handler already took the
	// remote state into the cache.
	ActionAdoptRemote ConflictAction = "adopt_remote"
	// ActionManual freezes the mutation until a human resolves it.
	ActionManual ConflictAction = "manual"
)

// ConflictDecision carries the handler's verdict. Payload is only read
// for ActionRetryLocal.
type ConflictDecision struct {
	Action  ConflictAction
	Payload json.RawMessage
}

// ConflictHandler is invoked when the remote reports a version conflict
// for a mutation. The handler runs detection and resolution and reports
// back what the queue should do.
type ConflictHandler func(ctx context.Context, m *models.Mutation) (*ConflictDecision, error)

// AppliedHandler is invoked after a mutation lands remotely. record is
// nil for deletes.
type AppliedHandler func(m *models.Mutation, record *remote.Record)

// ProgressHandler is invoked after each mutation settles during a
// ProcessOnce pass with the running counters so far.
type ProgressHandler func(report Report)

// Config holds queue configuration.
type Config struct {
	BaseDelay   time.Duration // First retry delay (default: 2s)
	MaxDelay    time.Duration // Backoff cap (default: 5m)
	MaxAttempts int           // Transient retries before freezing (default: 5)
	Jitter      time.Duration // Random extra delay per retry (default: 3s)
	MaxSize     int           // Enqueue refuses beyond this (default: 10000)
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
		Jitter:      3 * time.Second,
		MaxSize:     10000,
	}
}

// Report summarizes one ProcessOnce pass.
type Report struct {
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// SyncQueue manages pending mutations with per-key serialization and
// exponential backoff. Every state transition is written through to the
// store before it is visible, so a crash reconstructs the queue intact.
type SyncQueue struct {
	store      store.Store
	client     remote.Client
	onConflict ConflictHandler
	onApplied  AppliedHandler
	onProgress ProgressHandler
	config     *Config

	mu        sync.RWMutex
	mutations map[models.UUID]*models.Mutation
	inFlight  map[string]bool // target key -> being sent right now
	draining  bool

	now    func() time.Time
	jitter func() time.Duration
}

// NewSyncQueue creates a SyncQueue. Call Load before processing so
// mutations persisted by an earlier run are picked up.
func NewSyncQueue(st store.Store, client remote.Client, config *Config) *SyncQueue {
	if config == nil {
		config = DefaultConfig()
	}
	q := &SyncQueue{
		store:     st,
		client:    client,
		config:    config,
		mutations: make(map[models.UUID]*models.Mutation),
		inFlight:  make(map[string]bool),
		now:       time.Now,
	}
	q.jitter = func() time.Duration {
		if config.Jitter <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(config.Jitter)))
	}
	return q
}

// SetConflictHandler installs the resolver bridge.
func (q *SyncQueue) SetConflictHandler(h ConflictHandler) { q.onConflict = h }

// SetAppliedHandler installs the post-delivery callback.
func (q *SyncQueue) SetAppliedHandler(h AppliedHandler) { q.onApplied = h }

// SetProgressHandler installs the per-settlement progress callback.
func (q *SyncQueue) SetProgressHandler(h ProgressHandler) { q.onProgress = h }

// Load reconstructs the in-memory queue from the store. Mutations that
// were in flight when the process died go back to pending; delivery is
// at least once and the mutation ID deduplicates on the remote.
func (q *SyncQueue) Load() error {
	persisted, err := q.store.ListMutations()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to load mutation queue", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for _, m := range persisted {
		if m.Status == models.MutationInFlight {
			m.Status = models.MutationPending
			recovered++
			if err := q.store.PutMutation(m); err != nil {
				return errors.Wrap(errors.ErrStorage, "failed to recover in-flight mutation", err)
			}
		}
		q.mutations[m.ID] = m
	}

	logging.Info("Mutation queue loaded", map[string]interface{}{
		"total":     len(persisted),
		"recovered": recovered,
	})
	return nil
}

// Enqueue persists a mutation and admits it to the queue. A missing ID
// is assigned; EnqueuedAt and Status are set here.
func (q *SyncQueue) Enqueue(m *models.Mutation) (models.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.mutations) >= q.config.MaxSize {
		return "", errors.New(errors.ErrQueueFull,
			fmt.Sprintf("mutation queue is full (max size: %d)", q.config.MaxSize))
	}

	if m.ID == "" {
		m.ID = models.UUID(uuid.New())
	}
	now := q.now().Unix()
	m.EnqueuedAt = now
	m.NextAttemptAt = now
	m.Attempt = 0
	m.Status = models.MutationPending

	if err := q.store.PutMutation(m); err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to persist mutation", err)
	}
	q.mutations[m.ID] = m

	logging.Debug("Mutation enqueued", map[string]interface{}{
		"mutation_id": string(m.ID),
		"kind":        string(m.Kind),
		"target":      m.TargetKey(),
		"priority":    m.Priority.String(),
	})
	return m.ID, nil
}

// ProcessOnce drains every ready mutation in priority order. A second
// call while a drain is running is a no-op reporting only the backlog.
func (q *SyncQueue) ProcessOnce(ctx context.Context) (*Report, error) {
	q.mu.Lock()
	if q.draining {
		remaining := q.countBacklogLocked()
		q.mu.Unlock()
		return &Report{Remaining: remaining}, nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	// Each mutation gets at most one delivery attempt per pass, so a
	// conflict retry scheduled "now" waits for the next drain instead of
	// spinning inside this one.
	attempted := make(map[models.UUID]bool)
	report := &Report{}
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		m := q.nextReady(attempted)
		if m == nil {
			break
		}
		attempted[m.ID] = true
		q.deliver(ctx, m, report)
		q.notifyProgress(report)
	}

	q.mu.RLock()
	report.Remaining = q.countBacklogLocked()
	q.mu.RUnlock()
	return report, nil
}

// notifyProgress reports the pass counters after a settlement, with the
// backlog still owed.
func (q *SyncQueue) notifyProgress(report *Report) {
	if q.onProgress == nil {
		return
	}
	snapshot := *report
	q.mu.RLock()
	snapshot.Remaining = q.countBacklogLocked()
	q.mu.RUnlock()
	q.onProgress(snapshot)
}

// nextReady claims the highest-priority ready mutation whose target key
// is not already in flight and which this pass has not yet attempted.
// Returns nil when nothing is ready.
func (q *SyncQueue) nextReady(attempted map[models.UUID]bool) *models.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().Unix()
	candidates := make([]*models.Mutation, 0, len(q.mutations))
	for _, m := range q.mutations {
		if m.Ready(now) && !q.inFlight[m.TargetKey()] && !attempted[m.ID] {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sortDrainOrder(candidates)

	m := candidates[0]
	m.Status = models.MutationInFlight
	q.inFlight[m.TargetKey()] = true
	if err := q.store.PutMutation(m); err != nil {
		// Roll the claim back; the mutation stays pending for next pass.
		m.Status = models.MutationPending
		delete(q.inFlight, m.TargetKey())
		logging.ErrorWithCode("Failed to persist in-flight transition", string(errors.ErrStorage), err, nil)
		return nil
	}
	return m
}

// deliver sends one claimed mutation and folds the outcome into the
// report and the persisted state.
func (q *SyncQueue) deliver(ctx context.Context, m *models.Mutation, report *Report) {
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, m.TargetKey())
		q.mu.Unlock()
	}()

	record, err := q.client.Apply(ctx, &remote.MutationRequest{
		ID:          m.ID,
		Kind:        m.Kind,
		Collection:  m.Collection,
		Key:         m.Key,
		Payload:     m.Payload,
		BaseVersion: m.BaseVersion,
	})

	switch {
	case err == nil:
		q.complete(m, record)
		report.Succeeded++

	case m.Kind == models.MutationDelete && errors.Is(err, errors.ErrNotFound):
		// Deleting something already gone is success, not failure.
		q.complete(m, nil)
		report.Succeeded++

	case errors.Is(err, errors.ErrConflict):
		q.handleConflict(ctx, m, report)

	case errors.IsRetryable(err):
		q.scheduleRetry(m, err, report)

	default:
		// Rejections and unauthorized fail immediately and are never
		// retried automatically.
		q.freeze(m, err)
		report.Failed++
	}
}

// complete removes a delivered mutation from store and memory.
func (q *SyncQueue) complete(m *models.Mutation, record *remote.Record) {
	q.mu.Lock()
	delete(q.mutations, m.ID)
	q.mu.Unlock()

	if err := q.store.DeleteMutation(m.ID); err != nil {
		logging.ErrorWithCode("Failed to remove delivered mutation", string(errors.ErrStorage), err,
			map[string]interface{}{"mutation_id": string(m.ID)})
	}

	logging.Info("Mutation delivered", map[string]interface{}{
		"mutation_id": string(m.ID),
		"target":      m.TargetKey(),
		"attempts":    m.Attempt + 1,
	})

	if q.onApplied != nil {
		q.onApplied(m, record)
	}
}

// scheduleRetry pushes a transiently failed mutation back with backoff,
// or freezes it once attempts are exhausted.
func (q *SyncQueue) scheduleRetry(m *models.Mutation, cause error, report *Report) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m.Attempt++
	m.LastError = cause.Error()

	if m.Attempt >= q.config.MaxAttempts {
		m.Status = models.MutationFailed
		report.Failed++
		logging.Warn("Mutation exhausted retries", map[string]interface{}{
			"mutation_id": string(m.ID),
			"target":      m.TargetKey(),
			"attempts":    m.Attempt,
		})
	} else {
		delay := q.backoff(m.Attempt)
		m.Status = models.MutationPending
		m.NextAttemptAt = q.now().Add(delay).Unix()
		report.Retried++
		logging.Debug("Mutation scheduled for retry", map[string]interface{}{
			"mutation_id": string(m.ID),
			"attempt":     m.Attempt,
			"delay":       delay.String(),
		})
	}

	if err := q.store.PutMutation(m); err != nil {
		logging.ErrorWithCode("Failed to persist retry state", string(errors.ErrStorage), err,
			map[string]interface{}{"mutation_id": string(m.ID)})
	}
}

// freeze marks a mutation failed with no further automatic retries.
func (q *SyncQueue) freeze(m *models.Mutation, cause error) {
	q.mu.Lock()
	m.Status = models.MutationFailed
	m.LastError = cause.Error()
	q.mu.Unlock()

	if err := q.store.PutMutation(m); err != nil {
		logging.ErrorWithCode("Failed to persist failed mutation", string(errors.ErrStorage), err,
			map[string]interface{}{"mutation_id": string(m.ID)})
	}

	logging.Warn("Mutation failed permanently", map[string]interface{}{
		"mutation_id": string(m.ID),
		"target":      m.TargetKey(),
		"error":       cause.Error(),
	})
}

// handleConflict routes a remote version conflict through the handler.
func (q *SyncQueue) handleConflict(ctx context.Context, m *models.Mutation, report *Report) {
	if q.onConflict == nil {
		q.freeze(m, errors.New(errors.ErrConflict, "conflict with no handler installed"))
		report.Failed++
		return
	}

	decision, err := q.onConflict(ctx, m)
	if err != nil {
		q.freeze(m, err)
		report.Failed++
		return
	}

	switch decision.Action {
	case ActionRetryLocal:
		q.mu.Lock()
		m.Attempt++
		if m.Attempt >= q.config.MaxAttempts {
			// Repeated conflicts on the same mutation stop looping here.
			q.mu.Unlock()
			q.freeze(m, errors.New(errors.ErrConflict, "conflict retries exhausted"))
			report.Failed++
			return
		}
		m.Payload = decision.Payload
		m.BaseVersion = 0 // The winning payload supersedes the old base.
		m.Status = models.MutationPending
		m.NextAttemptAt = q.now().Unix()
		q.mu.Unlock()
		if err := q.store.PutMutation(m); err != nil {
			logging.ErrorWithCode("Failed to persist conflict retry", string(errors.ErrStorage), err, nil)
		}
		report.Retried++

	case ActionAdoptRemote:
		q.complete(m, nil)
		report.Succeeded++

	case ActionManual:
		q.freeze(m, errors.New(errors.ErrConflict, "conflict awaiting manual resolution"))
		report.Failed++

	default:
		q.freeze(m, errors.New(errors.ErrInternal, "unknown conflict action: "+string(decision.Action)))
		report.Failed++
	}
}

// backoff computes min(base * 2^(attempt-1), cap) plus jitter.
func (q *SyncQueue) backoff(attempt int) time.Duration {
	delay := q.config.BaseDelay << uint(attempt-1)
	if delay > q.config.MaxDelay || delay <= 0 {
		delay = q.config.MaxDelay
	}
	return delay + q.jitter()
}

// GetPending returns pending mutations in drain order.
func (q *SyncQueue) GetPending() []*models.Mutation {
	return q.snapshot(models.MutationPending)
}

// GetFailed returns frozen mutations in drain order.
func (q *SyncQueue) GetFailed() []*models.Mutation {
	return q.snapshot(models.MutationFailed)
}

func (q *SyncQueue) snapshot(status models.MutationStatus) []*models.Mutation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*models.Mutation
	for _, m := range q.mutations {
		if m.Status == status {
			copied := *m
			out = append(out, &copied)
		}
	}
	sortDrainOrder(out)
	return out
}

// MarkFailed freezes a mutation by ID.
func (q *SyncQueue) MarkFailed(id models.UUID, cause error) error {
	q.mu.RLock()
	m, ok := q.mutations[id]
	q.mu.RUnlock()
	if !ok {
		return errors.New(errors.ErrNotFound, "mutation not found: "+string(id))
	}
	q.freeze(m, cause)
	return nil
}

// Retry moves a frozen mutation back to pending with attempts reset.
func (q *SyncQueue) Retry(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.mutations[id]
	if !ok {
		return errors.New(errors.ErrNotFound, "mutation not found: "+string(id))
	}
	if m.Status != models.MutationFailed {
		return errors.New(errors.ErrInvalid, "only failed mutations can be retried")
	}

	m.Status = models.MutationPending
	m.Attempt = 0
	m.NextAttemptAt = q.now().Unix()
	m.LastError = ""

	if err := q.store.PutMutation(m); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist retry", err)
	}
	logging.Info("Mutation reset for retry", map[string]interface{}{"mutation_id": string(id)})
	return nil
}

// Cancel removes a pending mutation. In-flight and failed mutations are
// refused; the former may already have landed remotely, the latter goes
// through Retry or conflict resolution instead.
func (q *SyncQueue) Cancel(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.mutations[id]
	if !ok {
		return errors.New(errors.ErrNotFound, "mutation not found: "+string(id))
	}
	switch m.Status {
	case models.MutationInFlight:
		return errors.New(errors.ErrMutationInFlight, "mutation is being delivered")
	case models.MutationFailed:
		return errors.New(errors.ErrInvalid, "failed mutations cannot be cancelled")
	}

	delete(q.mutations, id)
	if err := q.store.DeleteMutation(id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove cancelled mutation", err)
	}
	logging.Info("Mutation cancelled", map[string]interface{}{"mutation_id": string(id)})
	return nil
}

// RetryWithPayload resets a frozen mutation with a replacement payload,
// used when conflict resolution picks the local side.
func (q *SyncQueue) RetryWithPayload(id models.UUID, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.mutations[id]
	if !ok {
		return errors.New(errors.ErrNotFound, "mutation not found: "+string(id))
	}
	if m.Status != models.MutationFailed {
		return errors.New(errors.ErrInvalid, "only failed mutations can be retried")
	}

	m.Payload = payload
	m.BaseVersion = 0
	m.Status = models.MutationPending
	m.Attempt = 0
	m.NextAttemptAt = q.now().Unix()
	m.LastError = ""

	if err := q.store.PutMutation(m); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist retry", err)
	}
	return nil
}

// Discard removes a frozen mutation, used when conflict resolution
// adopts the remote side and the local change is abandoned.
func (q *SyncQueue) Discard(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.mutations[id]
	if !ok {
		return errors.New(errors.ErrNotFound, "mutation not found: "+string(id))
	}
	if m.Status != models.MutationFailed {
		return errors.New(errors.ErrInvalid, "only failed mutations can be discarded")
	}

	delete(q.mutations, id)
	if err := q.store.DeleteMutation(id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove discarded mutation", err)
	}
	return nil
}

// Draining reports whether a ProcessOnce pass is running.
func (q *SyncQueue) Draining() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.draining
}

// Get returns a copy of a mutation by ID.
func (q *SyncQueue) Get(id models.UUID) (*models.Mutation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	m, ok := q.mutations[id]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "mutation not found: "+string(id))
	}
	copied := *m
	return &copied, nil
}

// Size returns the number of queued mutations in any state.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.mutations)
}

// Counts returns pending and failed totals for status reporting.
func (q *SyncQueue) Counts() (pending, failed int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, m := range q.mutations {
		switch m.Status {
		case models.MutationPending:
			pending++
		case models.MutationFailed:
			failed++
		}
	}
	return pending, failed
}

// countBacklogLocked counts mutations still owed delivery. Callers hold
// at least a read lock.
func (q *SyncQueue) countBacklogLocked() int {
	n := 0
	for _, m := range q.mutations {
		if m.Status == models.MutationPending || m.Status == models.MutationInFlight {
			n++
		}
	}
	return n
}

// sortDrainOrder orders by priority desc, then EnqueuedAt asc, then ID
// for a stable total order.
func sortDrainOrder(ms []*models.Mutation) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Priority != ms[j].Priority {
			return ms[i].Priority > ms[j].Priority
		}
		if ms[i].EnqueuedAt != ms[j].EnqueuedAt {
			return ms[i].EnqueuedAt < ms[j].EnqueuedAt
		}
		return ms[i].ID < ms[j].ID
	})
}
