// Package netmon reports network connectivity to the sync worker and emits
// online/offline transition events.
package netmon

import (
	"sync"
)

// Monitor reports current connectivity and notifies on transitions.
type Monitor interface {
	// IsConnected returns the last known connectivity state.
	IsConnected() bool

	// OnChange registers a callback invoked on every online/offline
	// transition. The returned function cancels the registration.
	OnChange(fn func(online bool)) (cancel func())
}

// notifier implements the subscriber bookkeeping shared by Monitor
// implementations. Transitions are edge-triggered: callbacks fire only when
// the state actually changes.
type notifier struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

func newNotifier(online bool) *notifier {
	return &notifier{
		online: online,
		subs:   make(map[int]func(online bool)),
	}
}

func (n *notifier) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) OnChange(fn func(online bool)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// set updates the state and fires callbacks on transitions. Callbacks run
// outside the lock so a subscriber may call back into the monitor.
func (n *notifier) set(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}
