// Package repository implements local-first CRUD for one entity type.
// Writes land in the durable store and return synchronously; remote
// propagation is delegated to the queue and happens in the background.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/offsync/crypto"
	syncErrors "github.com/halcyonlabs/offsync/errors"
	"github.com/halcyonlabs/offsync/logging"
	"github.com/halcyonlabs/offsync/queue"
	"github.com/halcyonlabs/offsync/storage"
	"github.com/halcyonlabs/offsync/transport"
)

// ErrNotFound is returned when an entity id has no local record.
var ErrNotFound = errors.New("entity not found")

// Entity is the stored envelope around an application record.
type Entity struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`

	// Data is the application payload. Plaintext JSON in API calls and
	// return values; ciphertext at rest when the type is encrypted.
	Data      []byte `json:"data"`
	Encrypted bool   `json:"encrypted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// IsSynced reports whether the remote has acknowledged the entity at
	// its current UpdatedAt.
	IsSynced bool      `json:"is_synced"`
	SyncedAt time.Time `json:"synced_at,omitempty"`
}

// Options configures a Repository.
type Options struct {
	// Cipher, when set, encrypts payloads at rest and on the wire.
	// UpdatedAt metadata stays in the clear for conflict resolution.
	Cipher crypto.Cipher

	// Kick wakes the sync worker after a successful local write. Optional.
	Kick func()

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to logging.Discard().
	Logger *logging.Logger
}

// Repository is the local-first store for a single entity type.
// Safe for concurrent use; all shared state lives in the store and queue.
type Repository struct {
	entityType string
	store      storage.Store
	queue      *queue.Queue
	cipher     crypto.Cipher
	kick       func()
	clock      func() time.Time
	logger     *logging.Logger
}

// New creates a repository for entityType backed by store and q.
func New(entityType string, store storage.Store, q *queue.Queue, opts *Options) (*Repository, error) {
	if entityType == "" {
		return nil, fmt.Errorf("entityType is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}

	return &Repository{
		entityType: entityType,
		store:      store,
		queue:      q,
		cipher:     o.Cipher,
		kick:       o.Kick,
		clock:      o.Clock,
		logger:     o.Logger.WithComponent(logging.Component("repository/" + entityType)),
	}, nil
}

// EntityType returns the entity type this repository manages.
func (r *Repository) EntityType() string { return r.entityType }

// Create stores a new entity and enqueues it for upload. data must be a
// JSON object. The write is local-first: Create returns as soon as the
// entity is durable, without waiting for the network.
func (r *Repository) Create(ctx context.Context, data []byte) (*Entity, error) {
	if err := validatePayload(data); err != nil {
		return nil, err
	}

	now := r.clock()
	entity := Entity{
		ID:         uuid.NewString(),
		EntityType: r.entityType,
		Data:       data,
		Encrypted:  r.cipher != nil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.put(ctx, entity); err != nil {
		return nil, err
	}
	if err := r.enqueue(ctx, entity, queue.OpCreate); err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "entity created", "entity_type", r.entityType, "entity_id", entity.ID)
	r.wake()
	return &entity, nil
}

// Update applies patch to the entity and enqueues the new state. For
// plaintext types patch is shallow-merged into the current payload; for
// encrypted types it replaces the payload wholesale, because ciphertext
// cannot be merged field by field.
func (r *Repository) Update(ctx context.Context, id string, patch []byte) (*Entity, error) {
	if err := validatePayload(patch); err != nil {
		return nil, err
	}

	entity, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.cipher != nil {
		entity.Data = patch
	} else {
		merged, err := mergeJSON(entity.Data, patch)
		if err != nil {
			return nil, fmt.Errorf("merge patch: %w", err)
		}
		entity.Data = merged
	}

	entity.UpdatedAt = r.clock()
	entity.IsSynced = false
	entity.SyncedAt = time.Time{}

	if err := r.put(ctx, entity); err != nil {
		return nil, err
	}
	if err := r.enqueue(ctx, entity, queue.OpUpdate); err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "entity updated", "entity_type", r.entityType, "entity_id", id)
	r.wake()
	return &entity, nil
}

// Delete removes the entity locally and enqueues the deletion.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.load(ctx, id); err != nil {
		return err
	}

	if err := r.store.Delete(ctx, r.key(id)); err != nil {
		return syncErrors.NewStorage(syncErrors.OpDelete, err)
	}

	item := queue.Item{
		EntityType: r.entityType,
		EntityID:   id,
		Operation:  queue.OpDelete,
		UpdatedAt:  r.clock(),
	}
	if _, err := r.queue.Enqueue(ctx, item); err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "entity deleted", "entity_type", r.entityType, "entity_id", id)
	r.wake()
	return nil
}

// Get returns the entity by id, with its payload decrypted.
func (r *Repository) Get(ctx context.Context, id string) (*Entity, error) {
	entity, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// GetAll returns every local entity of this type, most recently
// updated first.
func (r *Repository) GetAll(ctx context.Context) ([]Entity, error) {
	keys, err := r.store.Keys(ctx, r.prefix())
	if err != nil {
		return nil, syncErrors.NewStorage(syncErrors.OpGet, err)
	}

	entities := make([]Entity, 0, len(keys))
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, syncErrors.NewStorage(syncErrors.OpGet, err)
		}
		entity, err := r.decode(raw)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].UpdatedAt.After(entities[j].UpdatedAt)
	})
	return entities, nil
}

// MarkSynced records the remote acknowledgement of the entity version
// identified by asOf. If the entity was edited again after that version
// was uploaded, the acknowledgement is stale and the entity stays dirty.
// A missing entity is not an error; it was deleted while the upload was
// in flight.
func (r *Repository) MarkSynced(ctx context.Context, id string, at, asOf time.Time) error {
	entity, err := r.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if !entity.UpdatedAt.Equal(asOf) {
		return nil
	}

	entity.IsSynced = true
	entity.SyncedAt = at
	return r.put(ctx, entity)
}

// ApplyRemote overwrites local state with the server's record. The result
// is marked synced; the server copy is authoritative by the time this is
// called.
func (r *Repository) ApplyRemote(ctx context.Context, rec transport.Record) error {
	now := r.clock()

	createdAt := rec.UpdatedAt
	if existing, err := r.load(ctx, rec.ID); err == nil {
		createdAt = existing.CreatedAt
	}

	entity := Entity{
		ID:         rec.ID,
		EntityType: r.entityType,
		Data:       rec.Payload,
		Encrypted:  r.cipher != nil,
		CreatedAt:  createdAt,
		UpdatedAt:  rec.UpdatedAt,
		IsSynced:   true,
		SyncedAt:   now,
	}

	stored := entity
	if r.cipher == nil {
		// put encrypts plaintext; the server payload is already ciphertext
		// for encrypted types, so only the plaintext path goes through put.
		return r.put(ctx, stored)
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}
	if err := r.store.Set(ctx, r.key(entity.ID), raw); err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}
	return nil
}

// RemoveLocal drops the entity without enqueuing a deletion. Used when the
// server reports the entity gone.
func (r *Repository) RemoveLocal(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.key(id)); err != nil {
		return syncErrors.NewStorage(syncErrors.OpDelete, err)
	}
	return nil
}

func (r *Repository) wake() {
	if r.kick != nil {
		r.kick()
	}
}

func (r *Repository) key(id string) string {
	return r.prefix() + id
}

func (r *Repository) prefix() string {
	return "entity:" + r.entityType + ":"
}

// put seals the payload if the type is encrypted and writes the envelope.
func (r *Repository) put(ctx context.Context, entity Entity) error {
	if r.cipher != nil {
		sealed, err := r.cipher.Encrypt(entity.Data)
		if err != nil {
			return syncErrors.NewStorage(syncErrors.OpStore, fmt.Errorf("encrypt payload: %w", err))
		}
		entity.Data = sealed
	}

	raw, err := json.Marshal(entity)
	if err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}
	if err := r.store.Set(ctx, r.key(entity.ID), raw); err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}
	return nil
}

// load reads and decodes the envelope, decrypting the payload.
func (r *Repository) load(ctx context.Context, id string) (Entity, error) {
	raw, err := r.store.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entity{}, fmt.Errorf("%s %q: %w", r.entityType, id, ErrNotFound)
		}
		return Entity{}, syncErrors.NewStorage(syncErrors.OpGet, err)
	}
	return r.decode(raw)
}

func (r *Repository) decode(raw []byte) (Entity, error) {
	var entity Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return Entity{}, syncErrors.NewStorage(syncErrors.OpLoad, fmt.Errorf("decode entity: %w", err))
	}

	if r.cipher != nil && len(entity.Data) > 0 {
		plain, err := r.cipher.Decrypt(entity.Data)
		if err != nil {
			return Entity{}, syncErrors.NewStorage(syncErrors.OpLoad, fmt.Errorf("decrypt payload: %w", err))
		}
		entity.Data = plain
	}
	return entity, nil
}

// enqueue records the operation for background upload. Payloads of
// encrypted types go on the wire as ciphertext.
func (r *Repository) enqueue(ctx context.Context, entity Entity, op queue.Operation) error {
	payload := entity.Data
	if r.cipher != nil {
		sealed, err := r.cipher.Encrypt(payload)
		if err != nil {
			return syncErrors.NewStorage(syncErrors.OpEnqueue, fmt.Errorf("encrypt payload: %w", err))
		}
		payload = sealed
	}

	item := queue.Item{
		EntityType: r.entityType,
		EntityID:   entity.ID,
		Operation:  op,
		Payload:    payload,
		Encrypted:  entity.Encrypted,
		UpdatedAt:  entity.UpdatedAt,
	}
	_, err := r.queue.Enqueue(ctx, item)
	return err
}

func validatePayload(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(data) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// mergeJSON overlays patch onto base at the top level. Nested objects are
// replaced, not merged, matching a shallow field update.
func mergeJSON(base, patch []byte) ([]byte, error) {
	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, err
	}
	if baseMap == nil {
		baseMap = make(map[string]json.RawMessage, len(patchMap))
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}
