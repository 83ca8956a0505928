package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendThenReadAllReturnsEntryLast(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	key := chat.KeyAt("alice", at)

	first := chat.NewLogEntry(at, "alice", "hi")
	second := chat.NewLogEntry(at.Add(time.Second), chat.AdminAuthor, "hello")
	req.NoError(store.Append(ctx, key, first))
	req.NoError(store.Append(ctx, key, second))

	entries, err := store.ReadAll(ctx, key)
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal(first, entries[0])
	req.Equal(second, entries[1])
}

func TestAppendWritesHumanReadableLines(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	key := chat.KeyAt("alice", at)

	req.NoError(store.Append(context.Background(), key, chat.NewLogEntry(at, "alice", "hi")))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), "alice_2024-03-01.txt"))
	req.NoError(err)
	req.Equal("[2024-03-01T10:00:00.123Z] alice: hi\n", string(raw))
}

func TestReadAllOnUnknownKeyIsEmpty(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	key := chat.ConversationKey{Identity: "nobody", Day: "2024-03-01"}

	first, err := store.ReadAll(context.Background(), key)
	req.NoError(err)
	req.NotNil(first)
	req.Empty(first)

	second, err := store.ReadAll(context.Background(), key)
	req.NoError(err)
	req.Equal(first, second)

	_, err = os.Stat(filepath.Join(store.Dir(), FileName(key)))
	req.True(errors.Is(err, os.ErrNotExist), "read must not create the log file")
}

func TestConcurrentAppendsToOneKeyKeepEveryEntry(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	key := chat.KeyAt("alice", at)

	const writers = 64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := "alice"
			if i%2 == 1 {
				author = chat.AdminAuthor
			}
			err := store.Append(ctx, key, chat.NewLogEntry(at, author, fmt.Sprintf("msg-%d", i)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := store.ReadAll(ctx, key)
	req.NoError(err)
	req.Len(entries, writers)

	seen := make(map[string]int, writers)
	for _, entry := range entries {
		seen[entry.Text]++
	}
	for i := 0; i < writers; i++ {
		req.Equal(1, seen[fmt.Sprintf("msg-%d", i)])
	}
}

func TestAppendToOtherKeyIsNotBlockedByHeldKey(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	held := store.logFor(chat.KeyAt("alice", at))
	held.mu.Lock()
	defer held.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- store.Append(ctx, chat.KeyAt("bob", at), chat.NewLogEntry(at, "bob", "hey"))
	}()

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("append for bob blocked behind alice's log")
	}
}

func TestDayRolloverSplitsLogs(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	before := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
	after := time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)

	req.NoError(store.Append(ctx, chat.KeyAt("alice", before), chat.NewLogEntry(before, "alice", "late")))
	req.NoError(store.Append(ctx, chat.KeyAt("alice", after), chat.NewLogEntry(after, "alice", "early")))

	day1, err := store.ReadAll(ctx, chat.ConversationKey{Identity: "alice", Day: "2024-03-01"})
	req.NoError(err)
	req.Len(day1, 1)
	req.Equal("late", day1[0].Text)

	day2, err := store.ReadAll(ctx, chat.ConversationKey{Identity: "alice", Day: "2024-03-02"})
	req.NoError(err)
	req.Len(day2, 1)
	req.Equal("early", day2[0].Text)

	// yesterday's log still accepts late writes after its handle was rotated out
	req.NoError(store.Append(ctx, chat.KeyAt("alice", before), chat.NewLogEntry(before, chat.AdminAuthor, "reply")))
	day1, err = store.ReadAll(ctx, chat.KeyAt("alice", before))
	req.NoError(err)
	req.Len(day1, 2)
}

func TestAppendFailureIsReported(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	key := chat.KeyAt("alice", at)

	// a directory squatting on the log path makes the open fail
	req.NoError(os.Mkdir(filepath.Join(store.Dir(), FileName(key)), 0o755))

	err := store.Append(context.Background(), key, chat.NewLogEntry(at, "alice", "hi"))
	req.Error(err)
	req.True(errors.Is(err, ErrStorage))

	var storageErr *StorageError
	req.True(errors.As(err, &storageErr))
	req.Equal("append", storageErr.Op)
	req.Equal(key, storageErr.Key)
}

func TestAppendRejectsUnsafeIdentity(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	key := chat.ConversationKey{Identity: "../etc", Day: "2024-03-01"}

	err := store.Append(context.Background(), key, chat.NewLogEntry(time.Now(), "x", "y"))
	req.True(errors.Is(err, ErrStorage))
	req.True(errors.Is(err, chat.ErrInvalidIdentity))
}

func TestMultilineTextStaysOnOneLine(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	key := chat.KeyAt("alice", at)

	req.NoError(store.Append(ctx, key, chat.NewLogEntry(at, "alice", "line one\nline two")))

	entries, err := store.ReadAll(ctx, key)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal("line one line two", entries[0].Text)
}

func TestKeysListsStoredConversations(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	req.NoError(store.Append(ctx, chat.KeyAt("bob", day1), chat.NewLogEntry(day1, "bob", "a")))
	req.NoError(store.Append(ctx, chat.KeyAt("alice", day2), chat.NewLogEntry(day2, "alice", "b")))
	req.NoError(store.Append(ctx, chat.KeyAt("alice", day1), chat.NewLogEntry(day1, "alice", "c")))
	req.NoError(os.WriteFile(filepath.Join(store.Dir(), "notes.md"), []byte("x"), 0o644))

	keys, err := store.Keys(ctx)
	req.NoError(err)
	req.Equal([]chat.ConversationKey{
		{Identity: "alice", Day: "2024-03-01"},
		{Identity: "bob", Day: "2024-03-01"},
		{Identity: "alice", Day: "2024-03-02"},
	}, keys)
}

func TestParseFileNameHandlesUnderscoresInIdentity(t *testing.T) {
	key, ok := ParseFileName("mary_jane_2024-03-01.txt")
	require.True(t, ok)
	require.Equal(t, chat.ConversationKey{Identity: "mary_jane", Day: "2024-03-01"}, key)

	_, ok = ParseFileName("mary_jane.txt")
	require.False(t, ok)
}

func TestReadAfterWriteWithSubMillisecondInstant(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 123_456_789, time.UTC)
	key := chat.KeyAt("alice", at)

	entry := chat.NewLogEntry(at, "alice", "hi")
	req.NoError(store.Append(ctx, key, entry))

	entries, err := store.ReadAll(ctx, key)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal(entry, entries[0])
}

func TestReadAllKeepsLinesOutsideTheFormat(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	key := chat.ConversationKey{Identity: "alice", Day: "2024-03-01"}

	content := "[2024-03-01T10:00:00.000Z] alice: first line\nsecond line of same message\n"
	req.NoError(os.WriteFile(filepath.Join(store.Dir(), FileName(key)), []byte(content), 0o644))

	entries, err := store.ReadAll(ctx, key)
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal("[2024-03-01T10:00:00.000Z] alice: first line", entries[0].Line())
	req.Equal("second line of same message", entries[1].Line())

	at := time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC)
	req.NoError(store.Append(ctx, key, chat.NewLogEntry(at, chat.AdminAuthor, "noted")))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), FileName(key)))
	req.NoError(err)
	req.Equal(content+"[2024-03-01T10:00:01.000Z] admin: noted\n", string(raw))
}

func TestPerKeyStateDoesNotAccumulate(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := store.ReadAll(ctx, chat.ConversationKey{Identity: fmt.Sprintf("visitor%d", i), Day: "2024-03-01"})
		req.NoError(err)
	}
	req.Empty(store.logs, "reads of missing logs must not allocate state")

	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	req.NoError(store.Append(ctx, chat.KeyAt("alice", day1), chat.NewLogEntry(day1, "alice", "hi")))
	req.NoError(store.Append(ctx, chat.KeyAt("bob", day1), chat.NewLogEntry(day1, "bob", "hi")))
	req.Len(store.logs, 2)

	req.NoError(store.Append(ctx, chat.KeyAt("alice", day2), chat.NewLogEntry(day2, "alice", "next day")))
	req.Len(store.logs, 1)
	req.Contains(store.logs, chat.KeyAt("alice", day2))
}

func TestRotationDuringConcurrentAppendsKeepsEveryEntry(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
	day2 := day1.Add(2 * time.Second)

	const n = 32
	errs := make(chan error, 2*n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- store.Append(ctx, chat.KeyAt("alice", day1), chat.NewLogEntry(day1, "alice", fmt.Sprintf("late %d", i)))
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- store.Append(ctx, chat.KeyAt("alice", day2), chat.NewLogEntry(day2, "alice", fmt.Sprintf("early %d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	late, err := store.ReadAll(ctx, chat.KeyAt("alice", day1))
	req.NoError(err)
	req.Len(late, n)
	early, err := store.ReadAll(ctx, chat.KeyAt("alice", day2))
	req.NoError(err)
	req.Len(early, n)
}
