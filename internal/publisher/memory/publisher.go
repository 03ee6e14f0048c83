// Package memory keeps payload notifications in-process when no Pub/Sub
// project is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetain bounds how many notifications a long-running process keeps.
const DefaultRetain = 1000

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher retains the most recent notifications, oldest first.
type Publisher struct {
	mu       sync.RWMutex
	retain   int
	seq      int
	messages []PublishedMessage
}

// New returns a Publisher retaining DefaultRetain messages.
func New() *Publisher {
	return NewWithRetention(DefaultRetain)
}

// NewWithRetention returns a Publisher retaining at most retain messages.
func NewWithRetention(retain int) *Publisher {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Publisher{retain: retain}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if over := len(p.messages) - p.retain; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	return id, nil
}

// Messages returns a copy of the retained notifications.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Published reports how many notifications were accepted in total.
func (p *Publisher) Published() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}
