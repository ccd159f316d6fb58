package breep

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/awhoiswho/Breep/peer"
)

// ListenerID identifies a registered listener. IDs are unique across
// the three listener categories of a manager.
type ListenerID uint64

// ConnectionListener is called when a peer joins the overlay, whether
// directly connected or learned through a neighbor.
type ConnectionListener func(m *Manager, p peer.Peer)

// DataListener is called when user bytes arrive for the local peer.
// broadcast is true when the payload was sent to the whole mesh and
// false when it was addressed to this peer alone.
type DataListener func(m *Manager, source peer.Peer, data []byte, broadcast bool)

// DisconnectionListener is called when a peer leaves the overlay or
// becomes unreachable.
type DisconnectionListener func(m *Manager, p peer.Peer)

type pendingListener[T any] struct {
	id       ListenerID
	listener T
}

// listenerRegistry holds one category of listeners behind its own lock.
// Adds and removes performed during a dispatch iteration are queued and
// applied at the next dispatch boundary, so a callback may unregister
// itself (or register new listeners) without corrupting the iteration.
// The lock is never held across a user callback.
type listenerRegistry[T any] struct {
	name string

	mu       sync.Mutex
	live     map[ListenerID]T
	toAdd    []pendingListener[T]
	toRemove []ListenerID
}

func newListenerRegistry[T any](name string) *listenerRegistry[T] {
	return &listenerRegistry[T]{
		name: name,
		live: make(map[ListenerID]T),
	}
}

// add queues a listener for insertion at the next dispatch boundary.
func (r *listenerRegistry[T]) add(id ListenerID, l T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "add",
		"registry":    r.name,
		"listener_id": id,
	}).Debug("Adding listener")
	r.toAdd = append(r.toAdd, pendingListener[T]{id: id, listener: l})
}

// remove unregisters a listener, live or pending. It returns false when
// the id is unknown or already queued for removal.
func (r *listenerRegistry[T]) remove(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[id]; ok {
		for _, rid := range r.toRemove {
			if rid == id {
				return false
			}
		}
		logrus.WithFields(logrus.Fields{
			"function":    "remove",
			"registry":    r.name,
			"listener_id": id,
		}).Debug("Removing listener")
		r.toRemove = append(r.toRemove, id)
		return true
	}
	for i, pending := range r.toAdd {
		if pending.id == id {
			r.toAdd[i] = r.toAdd[len(r.toAdd)-1]
			r.toAdd = r.toAdd[:len(r.toAdd)-1]
			return true
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":    "remove",
		"registry":    r.name,
		"listener_id": id,
	}).Warn("Listener not found")
	return false
}

// clear drops every live and pending listener.
func (r *listenerRegistry[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.live = make(map[ListenerID]T)
	r.toAdd = nil
	r.toRemove = nil
}

// dispatch drains the pending queues into the live set, then invokes
// call for each live listener with the lock released.
func (r *listenerRegistry[T]) dispatch(call func(T)) {
	r.mu.Lock()
	for _, pending := range r.toAdd {
		r.live[pending.id] = pending.listener
	}
	r.toAdd = nil
	for _, id := range r.toRemove {
		delete(r.live, id)
	}
	r.toRemove = nil

	listeners := make([]T, 0, len(r.live))
	for _, l := range r.live {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		call(l)
	}
}
