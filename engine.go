// Package offsync is an offline-first synchronization engine for
// local-first applications. Writes hit a durable local store and return
// immediately; a background worker drains a persistent operation queue to
// the remote API whenever connectivity allows, resolving conflicts on the
// way.
package offsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/halcyonlabs/offsync/crypto"
	"github.com/halcyonlabs/offsync/logging"
	"github.com/halcyonlabs/offsync/netmon"
	"github.com/halcyonlabs/offsync/queue"
	"github.com/halcyonlabs/offsync/repository"
	"github.com/halcyonlabs/offsync/storage"
	"github.com/halcyonlabs/offsync/worker"
)

// Engine owns the sync machinery: one durable store, one operation queue,
// one background worker and a repository per entity type. Construct it
// with a Builder; one Engine per process.
type Engine struct {
	config    Config
	store     storage.Store
	ownsStore bool
	queue     *queue.Queue
	worker    *worker.Worker
	monitor   netmon.Monitor
	probe     *netmon.Probe
	cipher    crypto.Cipher
	encrypted map[string]bool
	logger    *logging.Logger

	mu      sync.Mutex
	repos   map[string]*repository.Repository
	started bool
}

// Repository returns the local repository for entityType, creating and
// registering it on first use. Repositories for types listed in
// Config.EncryptedTypes transparently encrypt their payloads.
func (e *Engine) Repository(entityType string) (*repository.Repository, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if repo, ok := e.repos[entityType]; ok {
		return repo, nil
	}

	opts := &repository.Options{
		Kick:   e.worker.Kick,
		Logger: e.logger,
	}
	if e.encrypted[entityType] {
		opts.Cipher = e.cipher
	}

	repo, err := repository.New(entityType, e.store, e.queue, opts)
	if err != nil {
		return nil, err
	}

	e.repos[entityType] = repo
	e.worker.Register(entityType, repo)
	return repo, nil
}

// Start launches background syncing: the reachability probe (if
// configured) and the worker's drain loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	if e.probe != nil {
		e.probe.Start(ctx)
	}
	e.worker.Start(ctx)
	e.logger.Info("sync engine started")
}

// Stop halts background syncing and, when the engine opened its own
// store, closes it. Queued operations stay durable for the next run.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	e.worker.Stop()
	if e.probe != nil {
		e.probe.Stop()
	}

	var err error
	if e.ownsStore {
		err = e.store.Close()
	}
	e.logger.Info("sync engine stopped")
	return err
}

// SyncNow drains the queue immediately, for pull-to-refresh flows. It
// returns worker.ErrOffline when there is no connectivity.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.worker.SyncNow(ctx)
}

// Kick schedules a background drain soon without blocking.
func (e *Engine) Kick() {
	e.worker.Kick()
}

// NotifyForeground tells the engine the app came back to the foreground.
func (e *Engine) NotifyForeground() {
	e.worker.NotifyForeground()
}

// Status reports queue depth and last successful sync for the UI.
func (e *Engine) Status() worker.Status {
	return e.worker.Status()
}

// Online reports current connectivity as the monitor sees it.
func (e *Engine) Online() bool {
	return e.monitor.IsConnected()
}

// FailedItems lists terminally-failed operations awaiting user action.
func (e *Engine) FailedItems() []queue.Item {
	var failed []queue.Item
	for _, item := range e.queue.Items() {
		if item.Attempts >= e.config.MaxRetries {
			failed = append(failed, item)
		}
	}
	return failed
}

// Retry re-arms a terminally-failed item and schedules a drain.
func (e *Engine) Retry(ctx context.Context, itemID string) error {
	if err := e.queue.RetryNow(ctx, itemID); err != nil {
		return fmt.Errorf("retry %s: %w", itemID, err)
	}
	e.worker.Kick()
	return nil
}

// RetryAllFailed re-arms every terminally-failed item.
func (e *Engine) RetryAllFailed(ctx context.Context) error {
	for _, item := range e.FailedItems() {
		if err := e.queue.RetryNow(ctx, item.ID); err != nil {
			return fmt.Errorf("retry %s: %w", item.ID, err)
		}
	}
	e.worker.Kick()
	return nil
}
