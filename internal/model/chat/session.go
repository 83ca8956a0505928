package chat

import "time"

// Role distinguishes end users from the operator.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Session describes one live connection and the identity it speaks for.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	Role         Role      `json:"role"`
	Identity     string    `json:"username,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// IsAdmin reports whether the session belongs to the operator.
func (s Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}
