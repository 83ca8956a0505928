package user

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// Directory stores accounts for the login and user-creation flows.
type Directory interface {
	Create(ctx context.Context, u User) (User, error)
	Find(ctx context.Context, username string) (User, error)
	List(ctx context.Context) ([]User, error)
	Close() error
}

var _ Directory = (*MemoryDirectory)(nil)

// MemoryDirectory implements Directory in process memory; contents are lost on restart.
type MemoryDirectory struct {
	mu    sync.RWMutex
	items map[string]User
}

// NewMemoryDirectory returns a MemoryDirectory preloaded with the supplied users.
func NewMemoryDirectory(items ...User) *MemoryDirectory {
	d := &MemoryDirectory{items: make(map[string]User, len(items))}
	for _, u := range items {
		d.items[u.Username] = u
	}
	return d
}

// Create adds u unless the username is taken.
func (d *MemoryDirectory) Create(_ context.Context, u User) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.items[u.Username]; exists {
		return User{}, ErrUserExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	d.items[u.Username] = u
	return u, nil
}

// Find looks up a user by username.
func (d *MemoryDirectory) Find(_ context.Context, username string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.items[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// List returns every user ordered by username.
func (d *MemoryDirectory) List(_ context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]User, 0, len(d.items))
	for _, u := range d.items {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Close is a no-op.
func (d *MemoryDirectory) Close() error {
	return nil
}
