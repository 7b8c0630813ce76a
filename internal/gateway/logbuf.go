package gateway

import (
	"sync"
	"time"

	"github.com/bluerobotics/device-gateway/internal/event"
)

// logCapacity bounds the in-memory log ring served over REST.
const logCapacity = 500

// LogEntry is one line of the user-visible gateway log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}

// logBuffer keeps the most recent log entries and mirrors each one onto
// the event bus.
type logBuffer struct {
	bus *event.Bus

	mu      sync.Mutex
	entries []LogEntry
}

func newLogBuffer(bus *event.Bus) *logBuffer {
	return &logBuffer{bus: bus}
}

// Add appends an entry, evicting the oldest past capacity. The type is the
// bracket tag clients render verbatim: SYSTEM, ERROR, WARNING,
// "CMD SENT to <id>", "DISCOVERY #<n>", "UNHANDLED @<ip>", "UDP RX".
func (l *logBuffer) Add(entryType, message string) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Type:      entryType,
		Message:   message,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > logCapacity {
		l.entries = l.entries[len(l.entries)-logCapacity:]
	}
	l.mu.Unlock()

	l.bus.Publish(event.Event{
		Type:      event.TypeLog,
		Data:      entry,
		Timestamp: entry.Timestamp,
	})
}

// Entries returns a copy of the buffered log.
func (l *logBuffer) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Clear empties the buffer.
func (l *logBuffer) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
