package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Message is a room emission crossing process boundaries. Payload is the
// encoded envelope exactly as local members received it.
type Message struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

func (m Message) validate() error {
	if m.Room == "" {
		return errors.New("relay message room is required")
	}
	if len(m.Payload) == 0 {
		return errors.New("relay message payload is required")
	}
	return nil
}

// Relay fans room emissions out to every hub sharing it, including the
// publisher. Hubs drop messages carrying their own origin.
type Relay interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active message stream. Messages is closed once the
// subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Close()
}

// NewMemoryRelay returns an in-process relay for single-instance
// deployments and tests.
func NewMemoryRelay(buffer int) *MemoryRelay {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryRelay{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type MemoryRelay struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (r *MemoryRelay) Publish(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop rather than stall the publisher.
		}
	}
	return nil
}

func (r *MemoryRelay) Subscribe() Subscription {
	sub := &memorySubscription{relay: r, ch: make(chan Message, r.buffer)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	r.subs[sub] = struct{}{}
	return sub
}

// Close ends every subscription.
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*memorySubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	relay *MemoryRelay
	ch    chan Message
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
		close(s.ch)
	})
}
