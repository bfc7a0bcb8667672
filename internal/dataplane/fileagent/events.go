package fileagent

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/solatis/l7plane/internal/types"
)

// Event is one line of the agent's JSONL event log.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	ListenerID types.ListenerID  `json:"listener_id"`
	Op         string            `json:"op"` // "apply" or "retract"
	Digest     string            `json:"digest,omitempty"`
	Acked      int               `json:"acked,omitempty"`
	Nacked     []types.EntityRef `json:"nacked,omitempty"`
	Retracted  []types.EntityRef `json:"retracted,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// EventLog writes JSON-line events.
type EventLog struct {
	mu     sync.Mutex
	writer io.Writer
	enc    *json.Encoder
}

// NewEventLog creates an event log writing to w.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{writer: w, enc: json.NewEncoder(w)}
}

// OpenEventLog appends to the file at path, creating it if needed.
func OpenEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return NewEventLog(f), nil
}

// Log writes one event as a JSON line.
func (l *EventLog) Log(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(ev)
}

// Close closes the underlying writer when it is closable.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
