// Package conflict provides conflict detection and resolution for
// concurrent local and remote edits of the same record.
package conflict

import (
	"bytes"
	"encoding/json"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/logging"
	"github.com/kimhsiao/syncbox/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyServerWins    Strategy = "server_wins"
	StrategyManual        Strategy = "manual"
)

// Remote is the remote side of a detection or resolution: the record
// state the backend holds right now.
type Remote struct {
	Payload    json.RawMessage
	Revision   int64
	ModifiedAt int64
}

// Local is the local side: the cached payload plus the metadata of the
// optimistic change built on top of it.
type Local struct {
	Payload    json.RawMessage
	Version    int64
	ModifiedAt int64
}

// Outcome is the result of resolving a conflict.
type Outcome struct {
	Resolution models.Resolution
	// Winning payload when Resolution is local or remote. Nil for
	// manual_pending, where nothing may be applied until a human picks.
	Payload json.RawMessage
	Record  *models.ConflictRecord
}

// Resolver resolves conflicts. It holds no clock and no store handle so
// the same inputs always produce the same outcome.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Detect reports whether applying a local change built on baseVersion
// would clobber a remote edit. A conflict needs both sides to have
// moved: the remote revision past the base AND an unsynced local
// change. When the remote carries no revision metadata the payloads are
// compared directly.
func (r *Resolver) Detect(local *Local, baseVersion int64, remote *Remote) bool {
	if local == nil || remote == nil {
		return false
	}

	if remote.Revision > 0 {
		if remote.Revision <= baseVersion {
			return false
		}
		// Remote moved. Conflict only if local also diverged from base.
		return local.Version == baseVersion && !bytes.Equal(local.Payload, remote.Payload)
	}

	// No revision metadata: fall back to payload comparison.
	return !bytes.Equal(local.Payload, remote.Payload)
}

// Resolve picks a winner per the strategy. It never touches a store or
// a clock; detectedAt is supplied by the caller so the returned record
// is reproducible.
func (r *Resolver) Resolve(collection, key string, conflictID models.UUID, local *Local, remote *Remote, strategy Strategy, detectedAt int64) (*Outcome, error) {
	if local == nil || remote == nil {
		return nil, errors.New(errors.ErrInvalid, "conflict resolution requires both sides")
	}

	record := &models.ConflictRecord{
		ID:               conflictID,
		Collection:       collection,
		Key:              key,
		LocalPayload:     local.Payload,
		RemotePayload:    remote.Payload,
		LocalVersion:     local.Version,
		RemoteVersion:    remote.Revision,
		LocalModifiedAt:  local.ModifiedAt,
		RemoteModifiedAt: remote.ModifiedAt,
		DetectedAt:       detectedAt,
	}

	switch strategy {
	case StrategyLastWriteWins:
		// Equal timestamps break toward local so the device the user is
		// holding never silently loses its own edit.
		if local.ModifiedAt >= remote.ModifiedAt {
			record.Resolved = true
			record.Resolution = models.ResolutionLocal
			logResolution(record, "local")
			return &Outcome{Resolution: models.ResolutionLocal, Payload: local.Payload, Record: record}, nil
		}
		record.Resolved = true
		record.Resolution = models.ResolutionRemote
		logResolution(record, "remote")
		return &Outcome{Resolution: models.ResolutionRemote, Payload: remote.Payload, Record: record}, nil

	case StrategyServerWins:
		record.Resolved = true
		record.Resolution = models.ResolutionRemote
		logResolution(record, "remote")
		return &Outcome{Resolution: models.ResolutionRemote, Payload: remote.Payload, Record: record}, nil

	case StrategyManual:
		record.Resolution = models.ResolutionManualPending
		logging.Warn("Conflict frozen for manual resolution", map[string]interface{}{
			"conflict_id": string(record.ID),
			"collection":  collection,
			"key":         key,
		})
		return &Outcome{Resolution: models.ResolutionManualPending, Record: record}, nil

	default:
		return nil, errors.New(errors.ErrInvalid, "unknown conflict strategy: "+string(strategy))
	}
}

func logResolution(record *models.ConflictRecord, winner string) {
	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id":       string(record.ID),
		"collection":        record.Collection,
		"key":               record.Key,
		"winner":            winner,
		"local_modified_at": record.LocalModifiedAt,
		"remote_modified_at": record.RemoteModifiedAt,
	})
}
