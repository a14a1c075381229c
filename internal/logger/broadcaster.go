package logger

import (
	"encoding/json"
	"sync"
)

const defaultBufferSize = 1000

// MessageLogEntry is the websocket message type for streamed log lines.
const MessageLogEntry = "logs:entry"

// Broadcaster is the interface for broadcasting messages.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// LogEntry is one parsed zerolog line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBroadcaster is an io.Writer sink for zerolog. It keeps the most recent
// entries for the logs endpoint and forwards each one to the websocket hub.
type LogBroadcaster struct {
	mu      sync.RWMutex
	hub     Broadcaster
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBroadcaster creates a broadcaster keeping up to bufferSize entries.
// hub may be nil and set later with SetHub, once the hub exists.
func NewLogBroadcaster(hub Broadcaster, bufferSize int) *LogBroadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &LogBroadcaster{
		hub:     hub,
		entries: make([]LogEntry, bufferSize),
	}
}

// SetHub sets the hub that receives streamed entries.
func (b *LogBroadcaster) SetHub(hub Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub = hub
}

// Write receives one JSON entry from zerolog. Lines that are not JSON
// objects are dropped; Write never fails so logging is never interrupted.
func (b *LogBroadcaster) Write(p []byte) (int, error) {
	entry, ok := parseLogEntry(p)
	if !ok {
		return len(p), nil
	}

	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	hub := b.hub
	b.mu.Unlock()

	if hub != nil {
		hub.Broadcast(MessageLogEntry, entry)
	}
	return len(p), nil
}

// Recent returns up to limit buffered entries, oldest first. A non-positive
// limit returns everything buffered.
func (b *LogBroadcaster) Recent(limit int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = len(b.entries)
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]LogEntry, limit)
	start := b.next - limit
	for i := range out {
		idx := (start + i + len(b.entries)) % len(b.entries)
		out[i] = b.entries[idx]
	}
	return out
}

func parseLogEntry(data []byte) (LogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: takeString(raw, "time"),
		Level:     takeString(raw, "level"),
		Component: takeString(raw, "component"),
		Message:   takeString(raw, "message"),
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, true
}

// takeString removes key from raw and returns it when it holds a string.
func takeString(raw map[string]any, key string) string {
	s, ok := raw[key].(string)
	if ok {
		delete(raw, key)
	}
	return s
}
