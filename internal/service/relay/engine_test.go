package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/helpdesk/backend/internal/service/session"
)

type inbox struct {
	mu     sync.Mutex
	events []chat.Event
}

func (i *inbox) Deliver(event chat.Event) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, event)
	return true
}

func (i *inbox) ofType(eventType string) []chat.Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []chat.Event
	for _, ev := range i.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.events)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// brokenStore fails every append for the listed identities.
type brokenStore struct {
	conversation.Store
	broken map[string]bool
}

func (b *brokenStore) Append(ctx context.Context, key chat.ConversationKey, entry chat.LogEntry) error {
	if b.broken[key.Identity] {
		return &conversation.StorageError{Op: "append", Key: key, Err: errors.New("disk quota exceeded")}
	}
	return b.Store.Append(ctx, key, entry)
}

func (b *brokenStore) ReadAll(ctx context.Context, key chat.ConversationKey) ([]chat.LogEntry, error) {
	if b.broken[key.Identity] {
		return nil, &conversation.StorageError{Op: "read", Key: key, Err: errors.New("medium unavailable")}
	}
	return b.Store.ReadAll(ctx, key)
}

type fixture struct {
	store    *conversation.FileStore
	sessions *session.Registry
	clock    *clock
	engine   *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := conversation.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	sessions := session.NewRegistry()
	return &fixture{
		store:    store,
		sessions: sessions,
		clock:    c,
		engine:   NewEngine(store, sessions, opts),
	}
}

func (f *fixture) connect(id string, role chat.Role, identity string) *inbox {
	box := &inbox{}
	f.sessions.Register(id, role, identity, box)
	return box
}

func (f *fixture) log(t *testing.T, identity, day string) []chat.LogEntry {
	t.Helper()
	entries, err := f.store.ReadAll(context.Background(), chat.ConversationKey{Identity: identity, Day: day})
	require.NoError(t, err)
	return entries
}

func TestUserMessageFansOutToEveryAdmin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	ctx := context.Background()
	adminA := f.connect("admin-a", chat.RoleAdmin, "admin")
	adminB := f.connect("admin-b", chat.RoleAdmin, "admin")
	alice := f.connect("alice-1", chat.RoleUser, "alice")
	bob := f.connect("bob-1", chat.RoleUser, "bob")

	req.NoError(f.engine.UserMessage(ctx, "alice-1", "alice", "hi"))

	for _, admin := range []*inbox{adminA, adminB} {
		activity := admin.ofType(chat.EventActivity)
		req.Len(activity, 1)
		req.Equal(chat.Activity{Username: "alice", Message: "hi"}, activity[0].Data)
	}
	req.Len(alice.ofType(chat.EventAck), 1)
	req.Empty(alice.ofType(chat.EventActivity))
	req.Equal(0, bob.len())

	req.NoError(f.engine.SelectConversation(ctx, "admin-a", "alice"))

	history := adminA.ofType(chat.EventChatHistory)
	req.Len(history, 1)
	got := history[0].Data.([]string)
	req.Equal([]string{"[2024-03-01T12:00:00.000Z] alice: hi"}, got)
	req.True(strings.HasSuffix(got[0], "] alice: hi"))
	req.Empty(adminB.ofType(chat.EventChatHistory))

	focus, ok := f.sessions.GetFocus("admin-a")
	req.True(ok)
	req.Equal("alice", focus)
}

func TestSelectConversationWithNoLogSendsEmptyHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	admin := f.connect("admin-a", chat.RoleAdmin, "admin")

	req.NoError(f.engine.SelectConversation(context.Background(), "admin-a", "carol"))

	history := admin.ofType(chat.EventChatHistory)
	req.Len(history, 1)
	got := history[0].Data.([]string)
	req.NotNil(got)
	req.Empty(got)
}

func TestSelectConversationKeepsFocusWhenHistoryCannotBeRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	ctx := context.Background()
	admin := f.connect("admin-a", chat.RoleAdmin, "admin")

	req.NoError(f.engine.SelectConversation(ctx, "admin-a", "alice"))

	err := f.engine.SelectConversation(ctx, "admin-a", "../etc")
	req.ErrorIs(err, conversation.ErrStorage)
	req.Len(admin.ofType(chat.EventDeliveryFailed), 1)
	req.Len(admin.ofType(chat.EventChatHistory), 1)

	focus, ok := f.sessions.GetFocus("admin-a")
	req.True(ok)
	req.Equal("alice", focus)
}

func TestAdminReplyWhileUserOfflineIsStillLogged(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	admin := f.connect("admin-a", chat.RoleAdmin, "admin")

	req.NoError(f.engine.AdminReply(context.Background(), "admin-a", "alice", "hello"))

	entries := f.log(t, "alice", "2024-03-01")
	req.Len(entries, 1)
	req.Equal(chat.AdminAuthor, entries[0].Author)
	req.Equal("hello", entries[0].Text)
	req.True(strings.HasSuffix(entries[0].Line(), "] admin: hello"))
	req.Len(admin.ofType(chat.EventAdminResponse), 1)
}

func TestAdminReplyParticipantsScope(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{ReplyScope: ReplyScopeParticipants})
	adminA := f.connect("admin-a", chat.RoleAdmin, "admin")
	adminB := f.connect("admin-b", chat.RoleAdmin, "admin")
	alice := f.connect("alice-1", chat.RoleUser, "alice")
	aliceTab := f.connect("alice-2", chat.RoleUser, "alice")
	bob := f.connect("bob-1", chat.RoleUser, "bob")

	req.NoError(f.engine.AdminReply(context.Background(), "admin-a", "alice", "hello"))

	want := chat.Reply{Username: "alice", Message: "hello"}
	for _, box := range []*inbox{adminA, adminB, alice, aliceTab} {
		replies := box.ofType(chat.EventAdminResponse)
		req.Len(replies, 1)
		req.Equal(want, replies[0].Data)
	}
	req.Equal(0, bob.len())
}

func TestAdminReplyAllScopeReachesEveryone(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{ReplyScope: ReplyScopeAll})
	f.connect("admin-a", chat.RoleAdmin, "admin")
	bob := f.connect("bob-1", chat.RoleUser, "bob")

	req.NoError(f.engine.AdminReply(context.Background(), "admin-a", "alice", "hello"))
	req.Len(bob.ofType(chat.EventAdminResponse), 1)
}

func TestStorageFailureNotifiesOnlyOrigin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	f.engine.store = &brokenStore{Store: f.store, broken: map[string]bool{"alice": true}}
	admin := f.connect("admin-a", chat.RoleAdmin, "admin")
	alice := f.connect("alice-1", chat.RoleUser, "alice")
	bob := f.connect("bob-1", chat.RoleUser, "bob")

	err := f.engine.UserMessage(context.Background(), "alice-1", "alice", "hi")
	req.ErrorIs(err, conversation.ErrStorage)
	req.Len(alice.ofType(chat.EventDeliveryFailed), 1)
	req.Empty(alice.ofType(chat.EventAck))
	req.Equal(0, admin.len())

	// other conversations keep working
	req.NoError(f.engine.UserMessage(context.Background(), "bob-1", "bob", "still here"))
	req.Len(bob.ofType(chat.EventAck), 1)
	req.Len(admin.ofType(chat.EventActivity), 1)

	err = f.engine.AdminReply(context.Background(), "admin-a", "alice", "hello")
	req.ErrorIs(err, conversation.ErrStorage)
	req.Len(admin.ofType(chat.EventDeliveryFailed), 1)
	req.Empty(alice.ofType(chat.EventAdminResponse))

	err = f.engine.SelectConversation(context.Background(), "admin-a", "alice")
	req.ErrorIs(err, conversation.ErrStorage)
	req.Len(admin.ofType(chat.EventDeliveryFailed), 2)
}

func TestUnknownConnectionIsDiscarded(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	admin := f.connect("admin-a", chat.RoleAdmin, "admin")

	err := f.engine.UserMessage(context.Background(), "ghost", "alice", "hi")
	req.ErrorIs(err, session.ErrUnknownSession)
	req.ErrorIs(f.engine.AdminReply(context.Background(), "ghost", "alice", "x"), session.ErrUnknownSession)
	req.ErrorIs(f.engine.SelectConversation(context.Background(), "ghost", "alice"), session.ErrUnknownSession)

	req.Equal(0, admin.len())
	req.Empty(f.log(t, "alice", "2024-03-01"))
}

func TestRoleChecks(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	admin := f.connect("admin-a", chat.RoleAdmin, "admin")
	alice := f.connect("alice-1", chat.RoleUser, "alice")

	req.ErrorIs(f.engine.AdminReply(context.Background(), "alice-1", "bob", "x"), ErrForbidden)
	req.ErrorIs(f.engine.SelectConversation(context.Background(), "alice-1", "bob"), ErrForbidden)
	req.ErrorIs(f.engine.UserMessage(context.Background(), "admin-a", "admin", "x"), ErrForbidden)

	req.Len(alice.ofType(chat.EventError), 2)
	req.Len(admin.ofType(chat.EventError), 1)
	req.Empty(f.log(t, "bob", "2024-03-01"))
}

func TestDayRolloverStartsNewLog(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	f.connect("alice-1", chat.RoleUser, "alice")
	ctx := context.Background()

	f.clock.Set(time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC))
	req.NoError(f.engine.UserMessage(ctx, "alice-1", "alice", "before midnight"))
	f.clock.Set(time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC))
	req.NoError(f.engine.UserMessage(ctx, "alice-1", "alice", "after midnight"))

	day1 := f.log(t, "alice", "2024-03-01")
	req.Len(day1, 1)
	req.Equal("before midnight", day1[0].Text)

	day2 := f.log(t, "alice", "2024-03-02")
	req.Len(day2, 1)
	req.Equal("after midnight", day2[0].Text)
}

func TestConcurrentMessagesForOneIdentityAreAllLogged(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	f.connect("admin-a", chat.RoleAdmin, "admin")
	f.connect("alice-1", chat.RoleUser, "alice")
	f.connect("alice-2", chat.RoleUser, "alice")
	ctx := context.Background()

	const perSender = 20
	var wg sync.WaitGroup
	for i := 0; i < perSender; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, f.engine.UserMessage(ctx, "alice-1", "alice", fmt.Sprintf("tab1-%d", i)))
		}(i)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, f.engine.UserMessage(ctx, "alice-2", "alice", fmt.Sprintf("tab2-%d", i)))
		}(i)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, f.engine.AdminReply(ctx, "admin-a", "alice", fmt.Sprintf("reply-%d", i)))
		}(i)
	}
	wg.Wait()

	entries := f.log(t, "alice", "2024-03-01")
	req.Len(entries, 3*perSender)
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		req.False(seen[entry.Text], "duplicate entry %q", entry.Text)
		seen[entry.Text] = true
	}
}

func TestCancelledContextStillCompletesWrite(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	f.connect("alice-1", chat.RoleUser, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req.NoError(f.engine.UserMessage(ctx, "alice-1", "alice", "sent while leaving"))
	req.Len(f.log(t, "alice", "2024-03-01"), 1)
}

func TestParseReplyScope(t *testing.T) {
	req := require.New(t)

	scope, err := ParseReplyScope("")
	req.NoError(err)
	req.Equal(ReplyScopeParticipants, scope)

	scope, err = ParseReplyScope("all")
	req.NoError(err)
	req.Equal(ReplyScopeAll, scope)

	_, err = ParseReplyScope("everyone")
	req.Error(err)
}
