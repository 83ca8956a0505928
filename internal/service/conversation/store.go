// Package conversation persists per-user, per-day conversation logs.
package conversation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
)

const logFileExt = ".txt"

// Store is the durable append-only log keyed by ConversationKey.
type Store interface {
	Append(ctx context.Context, key chat.ConversationKey, entry chat.LogEntry) error
	ReadAll(ctx context.Context, key chat.ConversationKey) ([]chat.LogEntry, error)
}

// FileStore keeps one flat text file per conversation key.
//
// Appends to the same key are serialized by that key's mutex; appends to
// different keys only contend on the short map lookup in logFor.
type FileStore struct {
	dir string

	mu      sync.Mutex
	logs    map[chat.ConversationKey]*logFile
	lastDay string
}

type logFile struct {
	mu      sync.Mutex
	f       *os.File
	retired bool
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("chat directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat directory: %w", err)
	}
	return &FileStore{
		dir:  dir,
		logs: make(map[chat.ConversationKey]*logFile),
	}, nil
}

// Dir returns the directory holding the log files.
func (s *FileStore) Dir() string {
	return s.dir
}

// FileName returns the deterministic file name for key.
func FileName(key chat.ConversationKey) string {
	return key.Identity + "_" + key.Day + logFileExt
}

// ParseFileName recovers the key from a log file name.
func ParseFileName(name string) (chat.ConversationKey, bool) {
	base, ok := strings.CutSuffix(name, logFileExt)
	if !ok {
		return chat.ConversationKey{}, false
	}
	sep := strings.LastIndex(base, "_")
	if sep <= 0 {
		return chat.ConversationKey{}, false
	}
	key := chat.ConversationKey{Identity: base[:sep], Day: base[sep+1:]}
	if key.Validate() != nil {
		return chat.ConversationKey{}, false
	}
	return key, true
}

func (s *FileStore) path(key chat.ConversationKey) string {
	return filepath.Join(s.dir, FileName(key))
}

// logFor returns the per-key state, creating it on first use.
func (s *FileStore) logFor(key chat.ConversationKey) *logFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	lf, ok := s.logs[key]
	if !ok {
		lf = &logFile{}
		s.logs[key] = lf
	}
	return lf
}

// lock returns the live state for key with its mutex held. A state retired
// by rotate while the caller waited is skipped, so one key never has two
// live mutexes.
func (s *FileStore) lock(key chat.ConversationKey) *logFile {
	for {
		lf := s.logFor(key)
		lf.mu.Lock()
		if !lf.retired {
			return lf
		}
		lf.mu.Unlock()
	}
}

// rotate retires the state of earlier days the first time an append for a
// newer day arrives. A late append to a retired day starts fresh state.
func (s *FileStore) rotate(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if day <= s.lastDay {
		return
	}
	s.lastDay = day
	for k, lf := range s.logs {
		if k.Day >= day {
			continue
		}
		lf.mu.Lock()
		lf.close()
		lf.retired = true
		lf.mu.Unlock()
		delete(s.logs, k)
	}
}

func (lf *logFile) close() {
	if lf.f == nil {
		return
	}
	if err := lf.f.Close(); err != nil {
		log.Printf("[store] close %s failed: %v", lf.f.Name(), err)
	}
	lf.f = nil
}

// Append writes entry as one line and syncs it to disk before returning.
// On failure nothing of the entry remains in the log.
func (s *FileStore) Append(_ context.Context, key chat.ConversationKey, entry chat.LogEntry) error {
	if err := key.Validate(); err != nil {
		return storageError("append", key, err)
	}

	line := entry.Line() + "\n"
	s.rotate(key.Day)
	lf := s.lock(key)
	defer lf.mu.Unlock()

	if lf.f == nil {
		f, err := os.OpenFile(s.path(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return storageError("append", key, err)
		}
		lf.f = f
	}

	info, err := lf.f.Stat()
	if err != nil {
		lf.close()
		return storageError("append", key, err)
	}
	size := info.Size()

	if _, err := lf.f.WriteString(line); err != nil {
		s.rollback(lf, key, size)
		return storageError("append", key, err)
	}
	if err := lf.f.Sync(); err != nil {
		s.rollback(lf, key, size)
		return storageError("append", key, err)
	}
	return nil
}

// rollback drops a partially written line and the handle that wrote it.
func (s *FileStore) rollback(lf *logFile, key chat.ConversationKey, size int64) {
	if err := lf.f.Truncate(size); err != nil {
		log.Printf("[store] truncate %s after failed append: %v", key, err)
	}
	lf.close()
}

// ReadAll returns the log for key in append order. A key that was never
// written yields an empty slice.
func (s *FileStore) ReadAll(_ context.Context, key chat.ConversationKey) ([]chat.LogEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, storageError("read", key, err)
	}

	// A missing file reads as empty without creating per-key state. If an
	// append creates it concurrently, the read is ordered before that append.
	if _, err := os.Stat(s.path(key)); errors.Is(err, fs.ErrNotExist) {
		return []chat.LogEntry{}, nil
	}

	lf := s.lock(key)
	defer lf.mu.Unlock()

	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return []chat.LogEntry{}, nil
	}
	if err != nil {
		return nil, storageError("read", key, err)
	}
	defer f.Close()

	entries := make([]chat.LogEntry, 0, 16)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, err := chat.ParseLogLine(line)
		if err != nil {
			log.Printf("[store] %s: %v", key, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, storageError("read", key, err)
	}
	return entries, nil
}

// Keys lists every stored conversation, ordered by day then identity.
func (s *FileStore) Keys(_ context.Context) ([]chat.ConversationKey, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list chat directory: %w", err)
	}

	keys := make([]chat.ConversationKey, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if key, ok := ParseFileName(de.Name()); ok {
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Day != keys[j].Day {
			return keys[i].Day < keys[j].Day
		}
		return keys[i].Identity < keys[j].Identity
	})
	return keys, nil
}

// Close releases every cached append handle. Later appends reopen them.
func (s *FileStore) Close() error {
	s.mu.Lock()
	logs := make([]*logFile, 0, len(s.logs))
	for _, lf := range s.logs {
		logs = append(logs, lf)
	}
	s.mu.Unlock()

	for _, lf := range logs {
		lf.mu.Lock()
		lf.close()
		lf.mu.Unlock()
	}
	return nil
}
