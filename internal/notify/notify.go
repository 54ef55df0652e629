// Package notify carries the short user-facing messages that views show
// after an operation succeeds or fails.
package notify

import (
	"sync"
	"time"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

type Message struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Sink receives messages. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(Message)
}

// Buffer keeps the most recent messages until they are drained.
type Buffer struct {
	mu    sync.Mutex
	max   int
	items []Message
}

func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 16
	}
	return &Buffer{max: max}
}

func (b *Buffer) Notify(m Message) {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, m)
	if over := len(b.items) - b.max; over > 0 {
		b.items = append([]Message(nil), b.items[over:]...)
	}
}

// Drain returns the buffered messages oldest first and empties the buffer.
func (b *Buffer) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	if out == nil {
		return []Message{}
	}
	return out
}

// Discard drops every message.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(Message) {}

func Success(sink Sink, text string) {
	sink.Notify(Message{Level: LevelSuccess, Text: text})
}

func Error(sink Sink, text string) {
	sink.Notify(Message{Level: LevelError, Text: text})
}
