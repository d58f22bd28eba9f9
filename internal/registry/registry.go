// Package registry implements the Client Registry (spec.md C3): a
// thread-safe roster of connected clients, generalized from the teacher's
// worker-registration bookkeeping in internal/framebus/bus.go (Register/
// Unregister under a mutex with live counters) from "worker slots" to
// "connected IGTL clients".
package registry

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/visiona/igtlserver/internal/model"
)

// ErrNotFound is returned when an operation names a client ID that is not
// (or no longer) registered.
var ErrNotFound = errors.New("registry: client not found")

type entry struct {
	client model.Client
	conn   net.Conn
}

// Registry is the set of connected clients, keyed by id. Spec.md §4.2 calls
// for one recursive mutex because the original sender holds the lock across
// a send that may itself prune a disconnected client. Go's sync.Mutex is
// not reentrant, so Registry's own methods never call each other while
// holding the lock (see DESIGN.md); callers that send and may then remove a
// client take a Snapshot first and send without holding the lock.
type Registry struct {
	mu      sync.Mutex
	clients map[uint64]*entry
	nextID  uint64
}

// New creates an empty Registry. Client IDs are assigned starting at 1, per
// spec.md §3 ("clientId ... assignable >= 1").
func New() *Registry {
	return &Registry{clients: make(map[uint64]*entry), nextID: 1}
}

// Add registers a newly accepted connection and returns its assigned id.
func (r *Registry) Add(conn net.Conn, traceID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.clients[id] = &entry{
		client: model.Client{
			ID:                  id,
			TraceID:             traceID,
			RemoteAddr:          conn.RemoteAddr().String(),
			LastCommandTime:     time.Now(),
			PreviousCommandUIDs: make(map[string]time.Time),
		},
		conn: conn,
	}
	return id
}

// Remove drops a client from the roster. It is safe to call on an id that
// is no longer present.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// NumConnected reports the current roster size, for logging (spec.md §4.2).
func (r *Registry) NumConnected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns value copies of every connected client and its
// connection, so callers can iterate without holding the registry lock.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, Snapshot{Client: e.client, Conn: e.conn})
	}
	return out
}

// Snapshot pairs a client's value copy with its live connection.
type Snapshot struct {
	Client model.Client
	Conn   net.Conn
}

// ConnFor returns the connection for a client id.
func (r *Registry) ConnFor(id uint64) (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.conn, nil
}

// ApplySubscription updates a client's requested subscription, per the
// CLIENTINFO handler in spec.md §4.6.
func (r *Registry) ApplySubscription(id uint64, sub model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return ErrNotFound
	}
	e.client.Subscription = sub
	return nil
}

// TouchCommandTime records that a message was received from a client,
// resetting its dedupe timeout clock (spec.md §4.3), and optionally clears
// its UID dedupe set if the 30s timeout has elapsed since the last message.
func (r *Registry) TouchCommandTime(id uint64, now time.Time, clearAfter time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return ErrNotFound
	}
	if !e.client.LastCommandTime.IsZero() && now.Sub(e.client.LastCommandTime) > clearAfter && len(e.client.PreviousCommandUIDs) > 0 {
		e.client.PreviousCommandUIDs = make(map[string]time.Time)
	}
	e.client.LastCommandTime = now
	return nil
}

// HasSeenUID reports whether uid was already recorded for this client
// (spec.md §4.3 dedupe). An empty uid is never dedupe-eligible.
func (r *Registry) HasSeenUID(id uint64, uid string) bool {
	if uid == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	_, seen := e.client.PreviousCommandUIDs[uid]
	return seen
}

// RecordUID remembers that uid has been processed for this client.
func (r *Registry) RecordUID(id uint64, uid string, at time.Time) {
	if uid == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return
	}
	e.client.PreviousCommandUIDs[uid] = at
}

// EffectiveSubscription returns the client's subscription, or defaults if
// the client hasn't set one (spec.md §3: "initially empty -> server defaults").
func (r *Registry) EffectiveSubscription(id uint64, defaults model.Subscription) model.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok || e.client.Subscription.IsEmpty() {
		return defaults
	}
	return e.client.Subscription
}
