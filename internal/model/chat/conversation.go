package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DayLayout is the calendar-day component of a ConversationKey.
const DayLayout = "2006-01-02"

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidDay      = errors.New("invalid day")
)

// ConversationKey names exactly one append-only log: one user, one UTC day.
type ConversationKey struct {
	Identity string `json:"username"`
	Day      string `json:"day"`
}

// KeyAt derives the key for identity at the wall-clock instant t.
// Crossing midnight UTC yields a new key; there is no explicit rollover.
func KeyAt(identity string, t time.Time) ConversationKey {
	return ConversationKey{Identity: identity, Day: t.UTC().Format(DayLayout)}
}

// Validate rejects keys that cannot name a log file.
func (k ConversationKey) Validate() error {
	if err := ValidateIdentity(k.Identity); err != nil {
		return err
	}
	if _, err := time.Parse(DayLayout, k.Day); err != nil {
		return fmt.Errorf("%w %q", ErrInvalidDay, k.Day)
	}
	return nil
}

func (k ConversationKey) String() string {
	return k.Identity + "/" + k.Day
}

// ValidateIdentity reports whether identity is usable as a log file name component.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "", identity == ".", identity == "..":
		return fmt.Errorf("%w %q", ErrInvalidIdentity, identity)
	case strings.ContainsAny(identity, "/\\\x00\r\n"):
		return fmt.Errorf("%w %q", ErrInvalidIdentity, identity)
	}
	return nil
}
