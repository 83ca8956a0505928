// Package directory provides a persistent user.Directory backed by BadgerDB.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zhouzirui/helpdesk/backend/internal/model/user"
)

const userPrefix = "user:"

var _ user.Directory = (*BadgerDirectory)(nil)

// BadgerDirectory keeps accounts under "user:<username>" keys.
type BadgerDirectory struct {
	db *badger.DB
}

// Open opens (or creates) the Badger database at path.
func Open(path string) (*BadgerDirectory, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open user db %s: %w", path, err)
	}
	return &BadgerDirectory{db: db}, nil
}

// New wraps an already opened database.
func New(db *badger.DB) *BadgerDirectory {
	return &BadgerDirectory{db: db}
}

// record is the stored form; unlike user.User it keeps the password hash.
type record struct {
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toRecord(u user.User) record {
	return record{
		Name:         u.Name,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt,
	}
}

func (r record) toUser() user.User {
	return user.User{
		Name:         r.Name,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		IsAdmin:      r.IsAdmin,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

// Create persists u in a single transaction, failing if the username exists.
func (d *BadgerDirectory) Create(_ context.Context, u user.User) (user.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(toRecord(u))
	if err != nil {
		return user.User{}, fmt.Errorf("marshal user: %w", err)
	}

	err = d.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + u.Username)
		if _, err := txn.Get(key); err == nil {
			return user.ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

// Find loads a user by username.
func (d *BadgerDirectory) Find(_ context.Context, username string) (user.User, error) {
	var rec record
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return user.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return user.User{}, err
	}
	return rec.toUser(), nil
}

// List scans every user; Badger iterates keys in sorted order.
func (d *BadgerDirectory) List(_ context.Context) ([]user.User, error) {
	users := make([]user.User, 0, 16)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			users = append(users, rec.toUser())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// Close flushes and closes the database.
func (d *BadgerDirectory) Close() error {
	return d.db.Close()
}
