// Package queue implements the durable, ordered queue of pending sync
// operations. Every mutation is written through to the durable store before
// it is acknowledged, so a queued operation survives process restart.
//
// All mutations are serialized behind a single mutex: the persisted queue is
// one blob, and concurrent read-modify-write cycles against it are the main
// correctness hazard in this design.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/offsync/codec"
	syncErrors "github.com/halcyonlabs/offsync/errors"
	"github.com/halcyonlabs/offsync/logging"
	"github.com/halcyonlabs/offsync/storage"
)

// Operation identifies what a queue item does against the remote endpoint.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Item is a single pending operation awaiting remote confirmation.
type Item struct {
	// ID is the queue item identity, assigned at enqueue time.
	ID string `json:"id" msgpack:"id"`

	// EntityType routes the item to its repository and remote resource.
	EntityType string `json:"entity_type" msgpack:"entity_type"`

	// EntityID is the target entity. Kept outside the payload because the
	// payload may be ciphertext.
	EntityID string `json:"entity_id" msgpack:"entity_id"`

	Operation Operation `json:"operation" msgpack:"operation"`

	// Payload is the entity snapshot for create/update, empty for delete.
	// Opaque bytes when Encrypted is set.
	Payload   []byte `json:"payload,omitempty" msgpack:"payload"`
	Encrypted bool   `json:"encrypted,omitempty" msgpack:"encrypted"`

	// UpdatedAt is the entity's modification timestamp, carried in the clear
	// as conflict-resolution metadata even for encrypted payloads.
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`

	Attempts      int       `json:"attempts" msgpack:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty" msgpack:"last_attempt_at"`
	CreatedAt     time.Time `json:"created_at" msgpack:"created_at"`
	LastError     string    `json:"last_error,omitempty" msgpack:"last_error"`
}

// Stats is a read-only snapshot of queue health, exposed through the
// engine's sync status.
type Stats struct {
	// Pending counts items still eligible for automatic retry.
	Pending int

	// Failed counts terminally-failed items awaiting manual retry.
	Failed int
}

// Options configures a Queue.
type Options struct {
	// Codec serializes the queue blob. Defaults to codec.JSON.
	Codec codec.Codec

	// Key is the durable-store key the queue persists under.
	Key string

	// MaxRetries caps automatic redelivery. An item whose attempt count
	// reaches this value is terminally-failed. Defaults to 5.
	MaxRetries int

	// BaseDelay is the backoff base: the delay before attempt n is
	// BaseDelay * 2^(n-1). Defaults to 5 seconds.
	BaseDelay time.Duration

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to logging.Discard().
	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.Codec == nil {
		o.Codec = codec.JSON{}
	}
	if o.Key == "" {
		o.Key = "offsync:queue"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// ErrItemNotFound is returned when an item id is absent from the queue.
var ErrItemNotFound = errors.New("queue item not found")

// Queue is the durable operation queue. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Item

	// inflight tracks items currently being delivered. In-flight items are
	// never coalesced into or cancelled: their shipped payload must stay
	// identical to what acknowledgement will refer to. Not persisted; a
	// restart has no deliveries in flight.
	inflight map[string]bool

	store  storage.Store
	opts   Options
	logger *logging.Logger
}

// New opens the queue, loading any persisted items from the store.
func New(ctx context.Context, store storage.Store, opts *Options) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	q := &Queue{
		inflight: make(map[string]bool),
		store:    store,
		opts:     o,
		logger:   o.Logger.WithComponent("queue"),
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	data, err := q.store.Get(ctx, q.opts.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return syncErrors.NewStorage(syncErrors.OpLoad, err)
	}

	var state struct {
		Items []Item `json:"items" msgpack:"items"`
	}
	if err := q.opts.Codec.Unmarshal(data, &state); err != nil {
		return syncErrors.NewStorage(syncErrors.OpLoad, fmt.Errorf("corrupt queue blob: %w", err))
	}
	q.items = state.Items
	return nil
}

// persist writes the full queue through to the durable store. Callers hold
// the mutex and pass the candidate item slice; the in-memory state is only
// replaced once the write succeeded.
func (q *Queue) persist(ctx context.Context, items []Item) error {
	state := struct {
		Items []Item `json:"items" msgpack:"items"`
	}{Items: items}

	data, err := q.opts.Codec.Marshal(state)
	if err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}
	if err := q.store.Set(ctx, q.opts.Key, data); err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}
	q.items = items
	return nil
}

// Enqueue appends a new operation, applying the supersede rules, and
// persists immediately. It never waits for the network.
//
// Supersede rules per (EntityType, EntityID):
//   - A Create/Update coalesces into a queued Create/Update: the payload and
//     timestamp are replaced, identity and attempt count are kept, so the
//     drained state equals applying the operations in creation order.
//   - A Delete cancels queued Create/Update items. If a queued Create was
//     cancelled the entity never reached the server, so no Delete is
//     enqueued at all and Enqueue returns nil.
//   - A Delete with a Delete already queued is dropped as a duplicate.
//
// The returned Item reflects the queued state (the coalesced target when
// superseding). A nil Item with nil error means the operation annihilated.
func (q *Queue) Enqueue(ctx context.Context, item Item) (*Item, error) {
	if item.EntityType == "" || item.EntityID == "" {
		return nil, syncErrors.New(syncErrors.OpEnqueue, fmt.Errorf("entity type and id are required"))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()

	switch item.Operation {
	case OpCreate, OpUpdate:
		for i := range q.items {
			existing := &q.items[i]
			if existing.EntityType != item.EntityType || existing.EntityID != item.EntityID {
				continue
			}
			if existing.Operation != OpCreate && existing.Operation != OpUpdate {
				continue
			}
			if q.inflight[existing.ID] {
				// The sibling's payload is on the wire right now; mutating
				// it would ship one version and acknowledge another. The
				// new state goes in as its own item behind it.
				continue
			}

			next := make([]Item, len(q.items))
			copy(next, q.items)
			next[i].Payload = item.Payload
			next[i].Encrypted = item.Encrypted
			next[i].UpdatedAt = item.UpdatedAt

			if err := q.persist(ctx, next); err != nil {
				return nil, err
			}
			out := q.items[i]
			q.logger.Debug("coalesced queue item",
				"entity_type", item.EntityType, "entity_id", item.EntityID, "item_id", out.ID)
			return &out, nil
		}

	case OpDelete:
		next := q.items[:0:0]
		cancelledCreate := false
		duplicateDelete := false
		for _, existing := range q.items {
			if existing.EntityType == item.EntityType && existing.EntityID == item.EntityID {
				switch existing.Operation {
				case OpCreate:
					// A create already on the wire will reach the server;
					// the delete must follow it there, not cancel it.
					if !q.inflight[existing.ID] {
						cancelledCreate = true
						continue
					}
				case OpUpdate:
					if !q.inflight[existing.ID] {
						continue
					}
				case OpDelete:
					duplicateDelete = true
				}
			}
			next = append(next, existing)
		}

		if cancelledCreate || duplicateDelete {
			// The create never reached the server (or a delete is already
			// queued); nothing further to ship.
			if err := q.persist(ctx, next); err != nil {
				return nil, err
			}
			q.logger.Debug("delete annihilated queued operations",
				"entity_type", item.EntityType, "entity_id", item.EntityID)
			return nil, nil
		}

		queued := item
		queued.ID = uuid.NewString()
		queued.CreatedAt = now
		queued.Attempts = 0
		queued.LastAttemptAt = time.Time{}
		queued.LastError = ""
		next = append(next, queued)

		if err := q.persist(ctx, next); err != nil {
			return nil, err
		}
		out := queued
		return &out, nil

	default:
		return nil, syncErrors.New(syncErrors.OpEnqueue, fmt.Errorf("unknown operation %q", item.Operation))
	}

	// No queued sibling to coalesce into: append.
	queued := item
	queued.ID = uuid.NewString()
	queued.CreatedAt = now
	queued.Attempts = 0
	queued.LastAttemptAt = time.Time{}
	queued.LastError = ""

	next := make([]Item, len(q.items), len(q.items)+1)
	copy(next, q.items)
	next = append(next, queued)

	if err := q.persist(ctx, next); err != nil {
		return nil, err
	}
	out := queued
	return &out, nil
}

// Eligible returns copies of all items due for a delivery attempt at now:
// not terminally-failed, and past the backoff window for their attempt
// count. Never-attempted items are always eligible. Results are ordered by
// CreatedAt ascending so per-entity-type FIFO falls out naturally.
func (q *Queue) Eligible(now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var eligible []Item
	for _, item := range q.items {
		if item.Attempts >= q.opts.MaxRetries {
			continue
		}
		if item.Attempts > 0 {
			if now.Before(item.LastAttemptAt.Add(q.backoff(item.Attempts))) {
				continue
			}
		}
		eligible = append(eligible, item)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible
}

// ClaimEligible returns the eligible items and marks them in flight in the
// same critical section, so enqueues racing a drain append behind the
// claimed items instead of mutating them. The caller must settle every
// claim through Acknowledge, RecordFailure, MarkTerminal or Remove, or
// hand it back with Release.
func (q *Queue) ClaimEligible(now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []Item
	for _, item := range q.items {
		if q.inflight[item.ID] {
			continue
		}
		if item.Attempts >= q.opts.MaxRetries {
			continue
		}
		if item.Attempts > 0 {
			if now.Before(item.LastAttemptAt.Add(q.backoff(item.Attempts))) {
				continue
			}
		}
		claimed = append(claimed, item)
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	for _, item := range claimed {
		q.inflight[item.ID] = true
	}
	return claimed
}

// Release clears the in-flight mark from claimed items that were not
// delivered, making them claimable again. Unknown ids are ignored.
func (q *Queue) Release(ids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.inflight, id)
	}
}

// Acknowledge settles a delivered item. When the item's payload version
// still matches the delivered one (asOf), the item is removed and true is
// returned. When a newer payload was enqueued behind the delivery, the
// item stays queued for redelivery with a fresh attempt budget, and a
// delivered create becomes an update: the entity now exists remotely.
func (q *Queue) Acknowledge(ctx context.Context, id string, asOf time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)

	idx := q.indexOf(id)
	if idx < 0 {
		return false, ErrItemNotFound
	}

	if q.items[idx].UpdatedAt.Equal(asOf) {
		next := make([]Item, 0, len(q.items)-1)
		next = append(next, q.items[:idx]...)
		next = append(next, q.items[idx+1:]...)
		if err := q.persist(ctx, next); err != nil {
			return false, err
		}
		return true, nil
	}

	next := make([]Item, len(q.items))
	copy(next, q.items)
	if next[idx].Operation == OpCreate {
		next[idx].Operation = OpUpdate
	}
	next[idx].Attempts = 0
	next[idx].LastAttemptAt = time.Time{}
	next[idx].LastError = ""

	if err := q.persist(ctx, next); err != nil {
		return false, err
	}
	q.logger.Debug("acknowledged version superseded, keeping item",
		"item_id", id, "entity_type", q.items[idx].EntityType)
	return false, nil
}

// backoff returns the delay required after the n-th failed attempt.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Remove deletes a single item after its operation was durably acknowledged
// by the remote endpoint (or it was resolved away), persisting immediately.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)

	next := make([]Item, 0, len(q.items))
	found := false
	for _, item := range q.items {
		if item.ID == id {
			found = true
			continue
		}
		next = append(next, item)
	}
	if !found {
		return ErrItemNotFound
	}

	return q.persist(ctx, next)
}

// RecordFailure increments the attempt count, stamps the attempt time and
// stores the diagnostic; persists immediately. Reaching MaxRetries makes the
// item terminally-failed: excluded from Eligible until a manual RetryNow.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)

	idx := q.indexOf(id)
	if idx < 0 {
		return ErrItemNotFound
	}

	next := make([]Item, len(q.items))
	copy(next, q.items)
	next[idx].Attempts++
	next[idx].LastAttemptAt = q.opts.Clock()
	if cause != nil {
		next[idx].LastError = cause.Error()
	}

	if err := q.persist(ctx, next); err != nil {
		return err
	}

	if q.items[idx].Attempts >= q.opts.MaxRetries {
		q.logger.Warn("queue item terminally failed",
			"item_id", id,
			"entity_type", q.items[idx].EntityType,
			"attempts", q.items[idx].Attempts,
			"last_error", q.items[idx].LastError)
	}
	return nil
}

// MarkTerminal short-circuits an item straight to terminal failure, used for
// validation rejections and manual-resolution conflicts where automatic
// retry has no value. The item is retained for manual inspection.
func (q *Queue) MarkTerminal(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)

	idx := q.indexOf(id)
	if idx < 0 {
		return ErrItemNotFound
	}

	next := make([]Item, len(q.items))
	copy(next, q.items)
	next[idx].Attempts = q.opts.MaxRetries
	next[idx].LastAttemptAt = q.opts.Clock()
	next[idx].LastError = reason

	return q.persist(ctx, next)
}

// RetryNow resets a terminally-failed item's attempt budget so the next
// drain picks it up again. Explicit user action only; the worker never
// calls this.
func (q *Queue) RetryNow(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(id)
	if idx < 0 {
		return ErrItemNotFound
	}

	next := make([]Item, len(q.items))
	copy(next, q.items)
	next[idx].Attempts = 0
	next[idx].LastAttemptAt = time.Time{}
	next[idx].LastError = ""

	return q.persist(ctx, next)
}

// Items returns a copy of the full queue for introspection.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items, terminal included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats summarizes queue health for the sync status surface.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, item := range q.items {
		if item.Attempts >= q.opts.MaxRetries {
			s.Failed++
		} else {
			s.Pending++
		}
	}
	return s
}

func (q *Queue) indexOf(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}
