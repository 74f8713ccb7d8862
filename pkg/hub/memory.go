package hub

import (
	"context"
	"sync"

	"github.com/droverhq/drover/pkg/types"
)

// memSub is one topic subscription with its own buffered delivery channel.
type memSub struct {
	ch      chan *types.Message
	handler Handler
}

// MemoryTransport is the in-process transport used in single-binary
// deployments and tests. Each subscriber gets a buffered channel drained by
// its own goroutine; a full buffer drops rather than blocking the publisher.
type MemoryTransport struct {
	mu     sync.RWMutex
	topics map[string]map[*memSub]bool
	closed bool
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		topics: make(map[string]map[*memSub]bool),
	}
}

// Publish delivers the message to every subscriber of the topic.
func (t *MemoryTransport) Publish(_ context.Context, topic string, msg *types.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for sub := range t.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full, skip
		}
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (t *MemoryTransport) Subscribe(_ context.Context, topic string, h Handler) (func(), error) {
	sub := &memSub{
		ch:      make(chan *types.Message, 50),
		handler: h,
	}

	t.mu.Lock()
	if t.topics[topic] == nil {
		t.topics[topic] = make(map[*memSub]bool)
	}
	t.topics[topic][sub] = true
	t.mu.Unlock()

	go func() {
		for msg := range sub.ch {
			sub.handler(msg)
		}
	}()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if subs, ok := t.topics[topic]; ok && subs[sub] {
			delete(subs, sub)
			close(sub.ch)
		}
	}
	return cancel, nil
}

// Close drops all subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for topic, subs := range t.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(t.topics, topic)
	}
	return nil
}

// SubscriberCount returns the number of active subscribers on a topic.
func (t *MemoryTransport) SubscriberCount(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics[topic])
}
