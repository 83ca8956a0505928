package user

import "time"

// User is an account known to the directory. PasswordHash is never serialized to clients.
type User struct {
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}
