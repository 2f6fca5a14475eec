// Package transport defines the remote endpoint the sync worker drains
// against: one REST resource per entity type with optimistic-concurrency
// semantics. Version conflicts carry the server's current representation so
// the caller can resolve without a second round trip.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Record is the wire representation of an entity snapshot. Payload is
// ciphertext for encrypted entity types; UpdatedAt always travels in the
// clear as conflict metadata.
type Record struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload,omitempty"`
	Encrypted bool      `json:"encrypted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Endpoint is the remote CRUD surface, one resource per entity type.
// All errors are classified through the errors package kinds: transient,
// conflict, auth, validation.
type Endpoint interface {
	// Create posts a new entity snapshot.
	Create(ctx context.Context, entityType string, rec Record) error

	// Update patches an existing entity. With force set, the server skips
	// its version check and accepts the payload (used after the conflict
	// resolver picks the local version).
	Update(ctx context.Context, entityType string, rec Record, force bool) error

	// Delete removes the entity. Deleting an unknown id succeeds, which
	// makes redelivery of an acknowledged-but-dropped delete harmless.
	Delete(ctx context.Context, entityType, id string) error
}

// ConflictError reports an optimistic-concurrency conflict together with the
// server's current version of the entity.
type ConflictError struct {
	EntityType string
	EntityID   string
	Server     Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s (server updated_at %s)",
		e.EntityType, e.EntityID, e.Server.UpdatedAt.Format(time.RFC3339Nano))
}

// TokenProvider supplies the bearer token for remote calls. Token refresh is
// owned by the auth collaborator, not this package.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}
