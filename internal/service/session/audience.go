package session

import (
	"github.com/samber/lo"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
)

// Audience selects the sessions an event is routed to.
type Audience struct {
	all         bool
	admins      bool
	connections []string
	identities  []string
}

// ToConnection addresses a single connection.
func ToConnection(connectionID string) Audience {
	return Audience{connections: []string{connectionID}}
}

// ToAdmins addresses every admin session.
func ToAdmins() Audience {
	return Audience{admins: true}
}

// ToIdentity addresses every user session speaking for identity.
func ToIdentity(identity string) Audience {
	return Audience{identities: []string{identity}}
}

// ToAll addresses every live session.
func ToAll() Audience {
	return Audience{all: true}
}

// And returns the union of both audiences. A session matching both still
// receives the event once.
func (a Audience) And(other Audience) Audience {
	return Audience{
		all:         a.all || other.all,
		admins:      a.admins || other.admins,
		connections: lo.Union(a.connections, other.connections),
		identities:  lo.Union(a.identities, other.identities),
	}
}

func (a Audience) includes(s chat.Session) bool {
	switch {
	case a.all:
		return true
	case a.admins && s.IsAdmin():
		return true
	case lo.Contains(a.connections, s.ConnectionID):
		return true
	case s.Role == chat.RoleUser && lo.Contains(a.identities, s.Identity):
		return true
	}
	return false
}
