package chat

import (
	"fmt"
	"strings"
	"time"
)

// AdminAuthor is the author recorded for every operator reply.
const AdminAuthor = "admin"

// TimestampLayout renders ISO-8601 instants with millisecond precision in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// LogEntry is one immutable line of a conversation log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	// Raw holds a stored line that does not follow the log format. Line
	// returns it unchanged.
	Raw string `json:"-"`
}

// NewLogEntry stamps a message for the given author. The instant is cut to
// the millisecond precision the log persists.
func NewLogEntry(at time.Time, author, text string) LogEntry {
	return LogEntry{Timestamp: at.UTC().Truncate(time.Millisecond), Author: author, Text: text}
}

// Line renders the entry in the persisted log format, without the trailing newline.
// Embedded line breaks are folded to spaces so an entry always occupies one line.
func (e LogEntry) Line() string {
	if e.Raw != "" {
		return e.Raw
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.UTC().Format(TimestampLayout), e.Author, foldLines(e.Text))
}

func (e LogEntry) String() string {
	return e.Line()
}

// ParseLogLine is the inverse of Line. Lines that do not follow the format
// come back as raw entries so hand-edited or older multi-line logs render as
// they were written.
func ParseLogLine(line string) (LogEntry, error) {
	if !strings.HasPrefix(line, "[") {
		return rawEntry(line), fmt.Errorf("malformed log line %q", line)
	}

	end := strings.Index(line, "] ")
	if end < 0 {
		return rawEntry(line), fmt.Errorf("malformed log line %q", line)
	}

	ts, err := time.Parse(time.RFC3339Nano, line[1:end])
	if err != nil {
		return rawEntry(line), fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}

	rest := line[end+2:]
	sep := strings.Index(rest, ": ")
	if sep < 0 {
		return rawEntry(line), fmt.Errorf("missing author in %q", line)
	}

	return LogEntry{Timestamp: ts.UTC(), Author: rest[:sep], Text: rest[sep+2:]}, nil
}

func rawEntry(line string) LogEntry {
	return LogEntry{Text: line, Raw: line}
}

func foldLines(text string) string {
	if !strings.ContainsAny(text, "\r\n") {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", " ")
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(text)
}
