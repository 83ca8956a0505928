// Package session tracks live connections and resolves who receives each
// published relay event.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotAdmin       = errors.New("session is not an admin")
)

// Subscriber receives events published to its connection. Deliver must not
// block; it reports false when the event could not be queued.
type Subscriber interface {
	Deliver(event chat.Event) bool
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(event chat.Event) bool

func (f SubscriberFunc) Deliver(event chat.Event) bool {
	return f(event)
}

type entry struct {
	session chat.Session
	focus   string
	sub     Subscriber
}

// Registry holds every live session. Mutations take the write lock, so
// readers resolving an audience never see a half-registered session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register records a new live connection. Registering an ID that is still
// live is a programming error and panics.
func (r *Registry) Register(connectionID string, role chat.Role, identity string, sub Subscriber) chat.Session {
	s := chat.Session{
		ConnectionID: connectionID,
		Role:         role,
		Identity:     identity,
		ConnectedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[connectionID]; exists {
		panic(fmt.Sprintf("session: connection %q registered twice", connectionID))
	}
	r.entries[connectionID] = &entry{session: s, sub: sub}
	return s
}

// Unregister removes the session and its focus. Unknown IDs are ignored.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	delete(r.entries, connectionID)
	r.mu.Unlock()
}

// Lookup returns the live session for connectionID.
func (r *Registry) Lookup(connectionID string) (chat.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connectionID]
	if !ok {
		return chat.Session{}, false
	}
	return e.session, true
}

// FindAdminSessions returns every connected admin session; possibly none.
func (r *Registry) FindAdminSessions() []chat.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	admins := lo.FilterMap(lo.Values(r.entries), func(e *entry, _ int) (chat.Session, bool) {
		return e.session, e.session.IsAdmin()
	})
	return admins
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetFocus records which conversation an admin connection is viewing.
func (r *Registry) SetFocus(adminConnectionID, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[adminConnectionID]
	if !ok {
		return ErrUnknownSession
	}
	if !e.session.IsAdmin() {
		return ErrNotAdmin
	}
	e.focus = identity
	return nil
}

// GetFocus returns the admin's focused identity, if any.
func (r *Registry) GetFocus(adminConnectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[adminConnectionID]
	if !ok || e.focus == "" {
		return "", false
	}
	return e.focus, true
}

// Publish delivers event to every subscriber in the audience and returns how
// many accepted it. Delivery happens outside the registry lock.
func (r *Registry) Publish(aud Audience, event chat.Event) int {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sub != nil && aud.includes(e.session) {
			subs = append(subs, e.sub)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.Deliver(event) {
			delivered++
		}
	}
	return delivered
}
