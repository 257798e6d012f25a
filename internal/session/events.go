package session

import (
	"sync"

	"github.com/google/uuid"
)

// broker fans events out to subscribers without blocking the publisher.
// A subscriber whose buffer is full misses the event.
type broker struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[string]chan Event)}
}

func (b *broker) subscribe(buffer int) (string, <-chan Event) {
	if buffer < 0 {
		buffer = 0
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

func (b *broker) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logf("subscriber %s full, dropping %s event", id, e.Type)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *broker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
