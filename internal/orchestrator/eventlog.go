package orchestrator

import (
	"sync"
	"time"
)

// maxEventsPerWorkspace bounds the in-memory diagnostic event list.
const maxEventsPerWorkspace = 200

// EventRecord is one significant lifecycle event for a workspace, kept
// in memory for debugging and exposed read-only over HTTP.
type EventRecord struct {
	Timestamp string `json:"timestamp"` // ISO 8601
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// EventLog keeps a bounded per-workspace list of lifecycle events.
type EventLog struct {
	mu     sync.Mutex
	events map[string][]EventRecord
}

func NewEventLog() *EventLog {
	return &EventLog{events: make(map[string][]EventRecord)}
}

// Append records an event, evicting the oldest past the cap.
func (l *EventLog) Append(workspaceID, kind, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := append(l.events[workspaceID], EventRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Kind:      kind,
		Message:   message,
	})
	if len(list) > maxEventsPerWorkspace {
		list = list[len(list)-maxEventsPerWorkspace:]
	}
	l.events[workspaceID] = list
}

// Recent returns a copy of the workspace's events, oldest first.
func (l *EventLog) Recent(workspaceID string) []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.events[workspaceID]
	out := make([]EventRecord, len(list))
	copy(out, list)
	return out
}
