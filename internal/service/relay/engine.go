// Package relay routes inbound chat events to the conversation log and to the
// live sessions that should see them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/samber/lo"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/helpdesk/backend/internal/service/session"
)

// ErrForbidden is returned when a session invokes an operation its role does not allow.
var ErrForbidden = errors.New("operation not permitted for this session")

// ReplyScope controls who receives an admin reply.
type ReplyScope string

const (
	// ReplyScopeParticipants sends replies to the target user and every admin.
	ReplyScopeParticipants ReplyScope = "participants"
	// ReplyScopeAll sends replies to every live connection.
	ReplyScopeAll ReplyScope = "all"
)

// ParseReplyScope maps a config value to a ReplyScope.
func ParseReplyScope(raw string) (ReplyScope, error) {
	switch ReplyScope(raw) {
	case "", ReplyScopeParticipants:
		return ReplyScopeParticipants, nil
	case ReplyScopeAll:
		return ReplyScopeAll, nil
	}
	return "", fmt.Errorf("unknown reply scope %q", raw)
}

// Sessions is the part of the session registry the engine depends on.
type Sessions interface {
	Lookup(connectionID string) (chat.Session, bool)
	SetFocus(adminConnectionID, identity string) error
	Publish(aud session.Audience, event chat.Event) int
}

// Options tunes an Engine.
type Options struct {
	Now        func() time.Time
	ReplyScope ReplyScope
}

// Engine is stateless between calls: every event reads what it needs from
// the store and the registry.
type Engine struct {
	store      conversation.Store
	sessions   Sessions
	now        func() time.Time
	replyScope ReplyScope
}

// NewEngine wires the relay to its store and registry.
func NewEngine(store conversation.Store, sessions Sessions, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	scope := opts.ReplyScope
	if scope == "" {
		scope = ReplyScopeParticipants
	}
	return &Engine{
		store:      store,
		sessions:   sessions,
		now:        now,
		replyScope: scope,
	}
}

// UserMessage records text from identity and notifies the sender and all admins.
func (e *Engine) UserMessage(ctx context.Context, connectionID, identity, text string) error {
	origin, err := e.lookup(connectionID)
	if err != nil {
		return err
	}
	if origin.IsAdmin() {
		e.reject(connectionID, "userMessage is reserved for users")
		return fmt.Errorf("userMessage from %s: %w", connectionID, ErrForbidden)
	}

	entry := chat.NewLogEntry(e.now(), identity, text)
	if err := e.record(ctx, connectionID, identity, entry); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}

	e.sessions.Publish(session.ToConnection(connectionID), chat.Event{
		Type: chat.EventAck,
		Data: chat.Ack{Message: "Message received!", Timestamp: entry.Timestamp.Format(chat.TimestampLayout)},
	})
	admins := e.sessions.Publish(session.ToAdmins(), chat.Event{
		Type: chat.EventActivity,
		Data: chat.Activity{Username: identity, Message: text},
	})
	log.Printf("[relay] user=%s message recorded, notified %d admin(s)", identity, admins)
	return nil
}

// SelectConversation sends today's log lines for identity to the requesting
// admin alone and focuses that admin on identity once the log is read.
func (e *Engine) SelectConversation(ctx context.Context, adminConnectionID, identity string) error {
	origin, err := e.lookup(adminConnectionID)
	if err != nil {
		return err
	}
	if !origin.IsAdmin() {
		e.reject(adminConnectionID, "selectUser is reserved for admins")
		return fmt.Errorf("selectUser from %s: %w", adminConnectionID, ErrForbidden)
	}

	key := chat.KeyAt(identity, e.now())
	entries, err := e.store.ReadAll(ctx, key)
	if err != nil {
		e.sessions.Publish(session.ToConnection(adminConnectionID), chat.Event{
			Type: chat.EventDeliveryFailed,
			Data: chat.Failure{Message: "could not load conversation", Error: err.Error()},
		})
		return fmt.Errorf("load history %s: %w", key, err)
	}

	if err := e.sessions.SetFocus(adminConnectionID, identity); err != nil {
		return fmt.Errorf("set focus: %w", err)
	}

	e.sessions.Publish(session.ToConnection(adminConnectionID), chat.Event{
		Type: chat.EventChatHistory,
		Data: lo.Map(entries, func(entry chat.LogEntry, _ int) string { return entry.Line() }),
	})
	return nil
}

// AdminReply records an operator reply to identity and fans it out according
// to the reply scope. The target user need not be connected.
func (e *Engine) AdminReply(ctx context.Context, adminConnectionID, identity, text string) error {
	origin, err := e.lookup(adminConnectionID)
	if err != nil {
		return err
	}
	if !origin.IsAdmin() {
		e.reject(adminConnectionID, "adminReply is reserved for admins")
		return fmt.Errorf("adminReply from %s: %w", adminConnectionID, ErrForbidden)
	}

	entry := chat.NewLogEntry(e.now(), chat.AdminAuthor, text)
	if err := e.record(ctx, adminConnectionID, identity, entry); err != nil {
		return fmt.Errorf("record admin reply: %w", err)
	}

	aud := session.ToIdentity(identity).And(session.ToAdmins())
	if e.replyScope == ReplyScopeAll {
		aud = session.ToAll()
	}
	delivered := e.sessions.Publish(aud, chat.Event{
		Type: chat.EventAdminResponse,
		Data: chat.Reply{Username: identity, Message: text},
	})
	log.Printf("[relay] admin reply to %s recorded, delivered to %d connection(s)", identity, delivered)
	return nil
}

func (e *Engine) lookup(connectionID string) (chat.Session, error) {
	s, ok := e.sessions.Lookup(connectionID)
	if !ok {
		return chat.Session{}, fmt.Errorf("connection %s: %w", connectionID, session.ErrUnknownSession)
	}
	return s, nil
}

// record appends entry to identity's log for today. The write is detached
// from ctx so a disconnect cannot abandon it halfway.
func (e *Engine) record(ctx context.Context, originID, identity string, entry chat.LogEntry) error {
	key := chat.KeyAt(identity, entry.Timestamp)
	if err := e.store.Append(context.WithoutCancel(ctx), key, entry); err != nil {
		log.Printf("[relay] append %s failed: %v", key, err)
		e.sessions.Publish(session.ToConnection(originID), chat.Event{
			Type: chat.EventDeliveryFailed,
			Data: chat.Failure{Message: "message could not be saved", Error: err.Error()},
		})
		return err
	}
	return nil
}

func (e *Engine) reject(connectionID, reason string) {
	e.sessions.Publish(session.ToConnection(connectionID), chat.Event{
		Type: chat.EventError,
		Data: chat.Failure{Message: reason},
	})
}
