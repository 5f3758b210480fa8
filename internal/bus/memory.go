package bus

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrBusClosed is returned when publishing to a closed MemoryBus.
var ErrBusClosed = errors.New("bus closed")

// MemoryBus is an in-process bus for tests and single-process runs. It is
// best-effort: nothing survives a restart. Messages for a topic without
// subscribers are held until the first subscriber arrives.
type MemoryBus struct {
	mu      sync.Mutex
	buffer  int
	subs    map[string][]chan Message
	backlog map[string][]Message
	closed  bool
	logf    func(format string, args ...any)
}

// NewMemoryBus constructs a MemoryBus whose subscriber queues hold buffer messages.
func NewMemoryBus(buffer int, logf func(format string, args ...any)) *MemoryBus {
	if buffer < 1 {
		buffer = 64
	}
	if logf == nil {
		logf = log.Printf
	}
	return &MemoryBus{
		buffer:  buffer,
		subs:    make(map[string][]chan Message),
		backlog: make(map[string][]Message),
		logf:    logf,
	}
}

// Publish fans msg out to every subscriber of its topic.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := b.subs[msg.Topic]
	if len(subs) == 0 {
		b.backlog[msg.Topic] = append(b.backlog[msg.Topic], msg.Clone())
		b.mu.Unlock()
		return nil
	}
	targets := append([]chan Message(nil), subs...)
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg.Clone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe consumes the subscription topics until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	ch := make(chan Message, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	var pending []Message
	for _, topic := range sub.Topics {
		b.subs[topic] = append(b.subs[topic], ch)
		pending = append(pending, b.backlog[topic]...)
		delete(b.backlog, topic)
	}
	b.mu.Unlock()

	pool := newKeyedPool(sub.concurrency(), h)
	defer func() {
		b.unsubscribe(sub.Topics, ch)
		pool.close()
	}()

	done := func(msg Message) func(error) {
		return func(err error) {
			if err != nil {
				b.logf("bus: memory consumer=%s message=%s: %v", sub.Consumer, msg.ID, err)
			}
		}
	}

	for _, msg := range pending {
		if err := pool.submit(ctx, msg, done(msg)); err != nil {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if err := pool.submit(ctx, msg, done(msg)); err != nil {
				return nil
			}
		}
	}
}

// Subscribers reports how many live subscriptions listen to topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Close rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) unsubscribe(topics []string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Check fails once the bus is closed.
func (b *MemoryBus) Check(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}
