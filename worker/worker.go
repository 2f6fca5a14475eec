// Package worker drains the durable operation queue against the remote
// endpoint. It owns all network activity: triggers coalesce into a single
// drain loop, failures feed the queue's backoff, and conflicts are routed
// through the resolver.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	syncErrors "github.com/halcyonlabs/offsync/errors"
	"github.com/halcyonlabs/offsync/logging"
	"github.com/halcyonlabs/offsync/netmon"
	"github.com/halcyonlabs/offsync/queue"
	"github.com/halcyonlabs/offsync/resolve"
	"github.com/halcyonlabs/offsync/storage"
	"github.com/halcyonlabs/offsync/transport"
)

// ErrOffline is returned by SyncNow when the network monitor reports no
// connectivity.
var ErrOffline = errors.New("network unavailable")

// lastSyncKey is the durable-store key the last successful drain time
// persists under, so Status survives restart.
const lastSyncKey = "offsync:last_sync_at"

// Repository is the slice of the local repository the worker needs to
// apply sync outcomes.
type Repository interface {
	MarkSynced(ctx context.Context, id string, at, asOf time.Time) error
	ApplyRemote(ctx context.Context, rec transport.Record) error
	RemoveLocal(ctx context.Context, id string) error
}

// Status is a snapshot of sync health for the app's UI.
type Status struct {
	// PendingCount is the number of operations awaiting upload or retry.
	PendingCount int `json:"pending_count"`

	// FailedCount is the number of terminally-failed operations awaiting
	// manual retry.
	FailedCount int `json:"failed_count"`

	// LastSyncAt is when the last drain completed while online. Zero if
	// no drain has completed yet.
	LastSyncAt time.Time `json:"last_sync_at"`
}

// Options configures a Worker.
type Options struct {
	// Resolver decides conflicts. Defaults to resolve.LastWriteWins.
	Resolver resolve.Resolver

	// SyncInterval is the periodic drain cadence. Defaults to 1 minute.
	SyncInterval time.Duration

	// RequestTimeout bounds each remote call. Defaults to 30 seconds.
	RequestTimeout time.Duration

	// OnAuthError is invoked at most once per drain when the endpoint
	// rejects credentials. Optional.
	OnAuthError func(error)

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to logging.Discard().
	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.Resolver == nil {
		o.Resolver = resolve.LastWriteWins{}
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Worker runs the background drain loop. One Worker per engine.
type Worker struct {
	queue    *queue.Queue
	endpoint transport.Endpoint
	monitor  netmon.Monitor
	store    storage.Store
	opts     Options
	logger   *logging.Logger

	mu         sync.RWMutex
	repos      map[string]Repository
	lastSyncAt time.Time

	trigger  chan struct{}
	draining atomic.Bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	unwatch func()
	done    chan struct{}
	running bool
}

// New creates a Worker. The store is used to persist the last sync time.
func New(q *queue.Queue, endpoint transport.Endpoint, monitor netmon.Monitor, store storage.Store, opts *Options) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	w := &Worker{
		queue:    q,
		endpoint: endpoint,
		monitor:  monitor,
		store:    store,
		opts:     o,
		logger:   o.Logger.WithComponent("worker"),
		repos:    make(map[string]Repository),
		trigger:  make(chan struct{}, 1),
	}
	w.loadLastSync(context.Background())
	return w, nil
}

// Register wires the repository for entityType into outcome handling.
func (w *Worker) Register(entityType string, repo Repository) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.repos[entityType] = repo
}

// Start launches the drain loop: periodic ticks, connectivity-restored
// notifications and manual kicks all feed the same trigger. Start is a
// no-op if the worker is already running.
func (w *Worker) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	w.unwatch = w.monitor.OnChange(func(online bool) {
		if online {
			w.logger.Info("connectivity restored, scheduling drain")
			w.Kick()
		}
	})

	go w.run(ctx)
}

// Stop halts the drain loop and waits for an in-flight drain to finish.
func (w *Worker) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if !w.running {
		return
	}

	w.unwatch()
	w.cancel()
	<-w.done
	w.running = false
}

// Kick requests a drain soon. Non-blocking; kicks arriving while a drain
// is pending coalesce into one.
func (w *Worker) Kick() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// NotifyForeground signals that the app returned to the foreground.
func (w *Worker) NotifyForeground() {
	w.logger.Debug("app foregrounded")
	w.Kick()
}

// SyncNow drains the queue synchronously. It reports ErrOffline when the
// monitor sees no network, and returns nil immediately when another drain
// is already running.
func (w *Worker) SyncNow(ctx context.Context) error {
	if !w.monitor.IsConnected() {
		return ErrOffline
	}
	w.drain(ctx)
	return nil
}

// Status reports queue depth and the last completed drain.
func (w *Worker) Status() Status {
	stats := w.queue.Stats()

	w.mu.RLock()
	last := w.lastSyncAt
	w.mu.RUnlock()

	return Status{
		PendingCount: stats.Pending,
		FailedCount:  stats.Failed,
		LastSyncAt:   last,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.trigger:
			w.drain(ctx)
		}
	}
}

// drain uploads every eligible item once. At most one drain runs at a
// time; overlapping requests fall through.
func (w *Worker) drain(ctx context.Context) {
	if !w.draining.CompareAndSwap(false, true) {
		return
	}
	defer w.draining.Store(false)

	if !w.monitor.IsConnected() {
		w.logger.Debug("skipping drain, offline")
		return
	}

	eligible := w.queue.ClaimEligible(w.opts.Clock())
	if len(eligible) == 0 {
		w.recordSync(ctx)
		return
	}

	// Claims not settled by an outcome (auth abort, cancellation) go back
	// to the pool; settled ids are no-ops for Release.
	ids := make([]string, len(eligible))
	for i, item := range eligible {
		ids[i] = item.ID
	}
	defer w.queue.Release(ids...)

	// Items within an entity type keep creation order; distinct types
	// drain concurrently.
	byType := make(map[string][]queue.Item)
	var order []string
	for _, item := range eligible {
		if _, seen := byType[item.EntityType]; !seen {
			order = append(order, item.EntityType)
		}
		byType[item.EntityType] = append(byType[item.EntityType], item)
	}

	w.logger.Info("draining queue", "items", len(eligible), "entity_types", len(order))

	var authOnce sync.Once
	var wg sync.WaitGroup
	for _, entityType := range order {
		wg.Add(1)
		go func(entityType string, items []queue.Item) {
			defer wg.Done()
			w.drainType(ctx, entityType, items, &authOnce)
		}(entityType, byType[entityType])
	}
	wg.Wait()

	w.recordSync(ctx)
}

// drainType pushes one entity type's items in FIFO order. An auth failure
// aborts the rest of the batch; other failures move on to the next item.
func (w *Worker) drainType(ctx context.Context, entityType string, items []queue.Item, authOnce *sync.Once) {
	repo := w.repository(entityType)
	if repo == nil {
		w.logger.Warn("no repository registered, leaving items queued", "entity_type", entityType)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}

		err := w.send(ctx, item, false)
		switch {
		case err == nil:
			w.acknowledge(ctx, repo, item)

		case syncErrors.IsKind(err, syncErrors.KindConflict):
			w.resolveConflict(ctx, repo, item, err)

		case syncErrors.IsKind(err, syncErrors.KindAuth):
			authOnce.Do(func() {
				w.logger.LogError(ctx, err, "authentication failed, pausing sync")
				if w.opts.OnAuthError != nil {
					w.opts.OnAuthError(err)
				}
			})
			// Credentials will not heal by retrying the next item. The
			// batch stops here; items keep their attempt counts.
			return

		case syncErrors.IsKind(err, syncErrors.KindValidation):
			w.logger.LogError(ctx, err, "remote rejected operation", slog.String("item_id", item.ID))
			w.fail(ctx, w.queue.MarkTerminal(ctx, item.ID, err.Error()))

		default:
			w.logger.LogError(ctx, err, "delivery failed, will retry", slog.String("item_id", item.ID))
			w.fail(ctx, w.queue.RecordFailure(ctx, item.ID, err))
		}
	}
}

// send performs one delivery attempt under the per-request timeout.
func (w *Worker) send(ctx context.Context, item queue.Item, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()

	rec := transport.Record{
		ID:        item.EntityID,
		Payload:   item.Payload,
		Encrypted: item.Encrypted,
		UpdatedAt: item.UpdatedAt,
	}

	switch item.Operation {
	case queue.OpCreate:
		return w.endpoint.Create(ctx, item.EntityType, rec)
	case queue.OpUpdate:
		return w.endpoint.Update(ctx, item.EntityType, rec, force)
	case queue.OpDelete:
		return w.endpoint.Delete(ctx, item.EntityType, item.EntityID)
	default:
		return syncErrors.New(syncErrors.OpDrain, fmt.Errorf("unknown operation %q", item.Operation))
	}
}

// acknowledge finalizes a delivered item: the entity is marked synced as
// of the version that shipped, then the item leaves the queue unless a
// newer payload was enqueued behind the delivery, in which case it stays
// for the next drain.
func (w *Worker) acknowledge(ctx context.Context, repo Repository, item queue.Item) {
	if item.Operation != queue.OpDelete {
		if err := repo.MarkSynced(ctx, item.EntityID, w.opts.Clock(), item.UpdatedAt); err != nil {
			w.logger.LogError(ctx, err, "mark synced failed", slog.String("item_id", item.ID))
		}
	}
	_, err := w.queue.Acknowledge(ctx, item.ID, item.UpdatedAt)
	w.fail(ctx, err)
}

// resolveConflict routes a 409 through the resolver and applies the
// decision.
func (w *Worker) resolveConflict(ctx context.Context, repo Repository, item queue.Item, cause error) {
	ce, ok := transport.AsConflict(cause)
	if !ok {
		// Conflict kind without a server record; retry like any failure.
		w.fail(ctx, w.queue.RecordFailure(ctx, item.ID, cause))
		return
	}

	local := resolve.Candidate{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		UpdatedAt:  item.UpdatedAt,
		Payload:    item.Payload,
	}
	server := resolve.Candidate{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		UpdatedAt:  ce.Server.UpdatedAt,
		Payload:    ce.Server.Payload,
	}

	decision := w.opts.Resolver.Resolve(local, server)
	w.logger.Info("conflict resolved",
		"entity_type", item.EntityType, "entity_id", item.EntityID, "decision", string(decision))

	switch decision {
	case resolve.KeepServer:
		if len(ce.Server.Payload) == 0 {
			// An empty server record is a deletion tombstone: the entity
			// was removed on another device and the server side won.
			if err := repo.RemoveLocal(ctx, item.EntityID); err != nil {
				w.logger.LogError(ctx, err, "remove local failed", slog.String("item_id", item.ID))
				w.fail(ctx, w.queue.RecordFailure(ctx, item.ID, err))
				return
			}
		} else if err := repo.ApplyRemote(ctx, ce.Server); err != nil {
			w.logger.LogError(ctx, err, "apply remote failed", slog.String("item_id", item.ID))
			w.fail(ctx, w.queue.RecordFailure(ctx, item.ID, err))
			return
		}
		_, err := w.queue.Acknowledge(ctx, item.ID, item.UpdatedAt)
		w.fail(ctx, err)

	case resolve.KeepLocal:
		if item.Operation == queue.OpDelete {
			// The endpoint has no forced delete; the plain delete retries
			// until the server-side edit is no longer newer.
			w.fail(ctx, w.queue.RecordFailure(ctx, item.ID, cause))
			return
		}
		if err := w.send(ctx, item, true); err != nil {
			w.logger.LogError(ctx, err, "forced resubmit failed", slog.String("item_id", item.ID))
			w.fail(ctx, w.queue.RecordFailure(ctx, item.ID, err))
			return
		}
		w.acknowledge(ctx, repo, item)

	case resolve.Manual:
		w.fail(ctx, w.queue.MarkTerminal(ctx, item.ID, "manual resolution required"))

	default:
		w.fail(ctx, w.queue.RecordFailure(ctx, item.ID,
			fmt.Errorf("unknown resolver decision %q", decision)))
	}
}

func (w *Worker) repository(entityType string) Repository {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.repos[entityType]
}

// recordSync stamps and persists the drain completion time.
func (w *Worker) recordSync(ctx context.Context) {
	now := w.opts.Clock()

	w.mu.Lock()
	w.lastSyncAt = now
	w.mu.Unlock()

	raw, err := json.Marshal(now)
	if err != nil {
		return
	}
	if err := w.store.Set(ctx, lastSyncKey, raw); err != nil {
		w.logger.LogError(ctx, err, "persisting last sync time failed")
	}
}

func (w *Worker) loadLastSync(ctx context.Context) {
	raw, err := w.store.Get(ctx, lastSyncKey)
	if err != nil {
		return
	}
	var last time.Time
	if err := json.Unmarshal(raw, &last); err != nil {
		return
	}
	w.lastSyncAt = last
}

// fail logs queue bookkeeping errors; they are storage faults and the
// item state is whatever the last persisted blob says.
func (w *Worker) fail(ctx context.Context, err error) {
	if err != nil && !errors.Is(err, queue.ErrItemNotFound) {
		w.logger.LogError(ctx, err, "queue update failed")
	}
}
