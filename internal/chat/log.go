// Package chat keeps the per-tab message log. Messages are de-duplicated
// by id: the room server may deliver the same message more than once (the
// sender also renders its own copy before the echo arrives), and a
// rendered id must never render twice.
package chat

import (
	"sync"
	"time"
)

// SystemUserID marks messages authored by the room server itself.
const SystemUserID = "SYSTEM"

// Message is one rendered chat entry. Text is plaintext by the time it
// lands here.
type Message struct {
	ID        string
	UserID    string
	Text      string
	Timestamp time.Time
}

// System reports whether the message is a server notice.
func (m Message) System() bool {
	return m.UserID == SystemUserID
}

// Log is an append-only, id-deduplicated message list.
type Log struct {
	mu   sync.Mutex
	seen map[string]struct{}
	msgs []Message
}

// NewLog creates an empty chat log.
func NewLog() *Log {
	return &Log{seen: make(map[string]struct{})}
}

// Append adds a message and reports whether it was new. Duplicates by id
// are dropped and reported false.
func (l *Log) Append(m Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[m.ID]; dup {
		return false
	}
	l.seen[m.ID] = struct{}{}
	l.msgs = append(l.msgs, m)
	return true
}

// Messages returns the log in arrival order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of rendered messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
