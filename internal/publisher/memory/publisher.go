// Package memory implements an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

// PublishedMessage records a single published payload.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher records published messages in memory.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

var _ scraper.Publisher = (*Publisher)(nil)

// New creates an empty in-memory publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a synthetic message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
