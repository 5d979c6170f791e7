package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrFeedClosed is returned when publishing to or subscribing on a closed feed.
var ErrFeedClosed = errors.New("notify: feed closed")

// Broker is an in-process Feed. Publish delivers synchronously to every
// subscriber in subscription order.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]Handler
	order  []uint64
	nextID uint64
	closed bool
}

var _ Feed = (*Broker)(nil)

// NewBroker creates an in-process feed.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]Handler)}
}

// Publish delivers event to all current subscribers.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrFeedClosed
	}
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers handler for all future events.
func (b *Broker) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrFeedClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = handler
	b.order = append(b.order, id)
	return &brokerSub{broker: b, id: id}, nil
}

// Close drops all subscribers and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[uint64]Handler)
	b.order = nil
	return nil
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

type brokerSub struct {
	broker *Broker
	once   sync.Once
	id     uint64
}

func (s *brokerSub) Unsubscribe() error {
	s.once.Do(func() { s.broker.remove(s.id) })
	return nil
}
