package server

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrUsernameTaken     = errors.New("username is already taken")
	ErrDuplicateIdentity = errors.New("connection is already registered")
)

// Member is a connected client as seen by the Registry and the Router.
type Member interface {
	ID() uuid.UUID
	Username() string
	// Send encrypts payload with the member's own session and writes it
	// to the member's connection.
	Send(payload []byte) error
	Close() error
}

// Registry is the authoritative set of connected clients, indexed by
// connection identity and by username. All methods are safe for concurrent use.
type Registry struct {
	sync.RWMutex
	// Insertion order is preserved so that snapshots are stable.
	clients  *list.List
	byID     map[uuid.UUID]*list.Element
	byName   map[string]*list.Element
	reserved map[string]struct{}
}

// NewRegistry returns an empty Registry. Reserved usernames can never be
// claimed by a client.
func NewRegistry(reserved ...string) *Registry {
	r := &Registry{
		clients:  list.New(),
		byID:     make(map[uuid.UUID]*list.Element),
		byName:   make(map[string]*list.Element),
		reserved: make(map[string]struct{}),
	}
	for _, name := range reserved {
		r.reserved[norm.NFC.String(name)] = struct{}{}
	}
	return r
}

// Insert adds m to the registry unless its username or identity is already
// present. The check and the insertion happen under the same lock.
func (r *Registry) Insert(m Member) error {
	name := norm.NFC.String(m.Username())

	r.Lock()
	defer r.Unlock()

	if _, ok := r.reserved[name]; ok {
		return fmt.Errorf("%w: %s is reserved", ErrUsernameTaken, name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, name)
	}
	if _, ok := r.byID[m.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, m.ID())
	}

	elem := r.clients.PushBack(m)
	r.byID[m.ID()] = elem
	r.byName[name] = elem
	return nil
}

// Remove deletes the client with the given identity. Removing an identity
// that isn't present is a no-op; the return value reports whether anything
// was removed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.Lock()
	defer r.Unlock()

	elem, ok := r.byID[id]
	if !ok {
		return false
	}

	m := r.clients.Remove(elem).(Member)
	delete(r.byID, id)
	delete(r.byName, norm.NFC.String(m.Username()))
	return true
}

// FindByUsername returns the client registered under name, if any.
func (r *Registry) FindByUsername(name string) (Member, bool) {
	r.RLock()
	defer r.RUnlock()

	elem, ok := r.byName[norm.NFC.String(name)]
	if !ok {
		return nil, false
	}
	return elem.Value.(Member), true
}

// Snapshot returns the clients registered at the time of the call in the
// order they joined. The slice is a copy and can be iterated without holding
// any lock.
func (r *Registry) Snapshot() []Member {
	r.RLock()
	defer r.RUnlock()

	members := make([]Member, 0, r.clients.Len())
	for elem := r.clients.Front(); elem != nil; elem = elem.Next() {
		members = append(members, elem.Value.(Member))
	}
	return members
}

// Usernames returns the names of the registered clients in the order they joined.
func (r *Registry) Usernames() []string {
	snapshot := r.Snapshot()
	names := make([]string, len(snapshot))
	for i, m := range snapshot {
		names[i] = m.Username()
	}
	return names
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return r.clients.Len()
}
