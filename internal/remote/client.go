// Package remote defines the interface to the authoritative backend and
// an HTTP implementation of it.
package remote

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/syncbox/internal/models"
)

// Record is the remote's answer for a single key: the payload plus the
// concurrency metadata the conflict detector needs.
type Record struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Revision   int64           `json:"revision"`
	ModifiedAt int64           `json:"modified_at"`
}

// MutationRequest carries one queued mutation to the remote. The mutation
// ID doubles as the idempotency key so retries of an already-applied
// request are answered as success, not duplicated.
type MutationRequest struct {
	ID          models.UUID         `json:"id"`
	Kind        models.MutationKind `json:"kind"`
	Collection  string              `json:"collection"`
	Key         string              `json:"key"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	BaseVersion int64               `json:"base_version"`
}

// Client talks to the authoritative backend. All errors returned carry a
// taxonomy code from the errors package so callers can dispatch on
// transient vs rejection vs unauthorized vs conflict.
type Client interface {
	// Get fetches a single record. NOT_FOUND when the key does not exist.
	Get(ctx context.Context, collection, key string) (*Record, error)

	// List fetches all records in a collection.
	List(ctx context.Context, collection string) ([]Record, error)

	// Apply sends one mutation. On success it returns the record state
	// after the mutation (nil for deletes).
	Apply(ctx context.Context, req *MutationRequest) (*Record, error)
}
