package conversation

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
)

// ErrStorage matches every StorageError via errors.Is.
var ErrStorage = errors.New("conversation storage failure")

// StorageError reports a log operation that could not be committed or read.
type StorageError struct {
	Op  string
	Key chat.ConversationKey
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorage) hold for every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageError(op string, key chat.ConversationKey, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
