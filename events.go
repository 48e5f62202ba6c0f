package lorekeep

import (
	"sync"

	"github.com/lorekeep/lorekeep/extract"
)

// eventBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this loses events rather than blocking the
// extraction pipeline.
const eventBuffer = 32

// bus fans extraction progress events out to subscribers. Publishing
// never blocks; it is a notification channel, not a data contract.
type bus struct {
	mu     sync.Mutex
	subs   map[int]chan extract.Event
	nextID int
	closed bool
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan extract.Event)}
}

// publish delivers an event to every live subscriber, dropping it for
// any whose buffer is full.
func (b *bus) publish(ev extract.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a new subscriber. The returned cancel function
// must be called to release it; after cancel the channel is closed.
func (b *bus) subscribe() (<-chan extract.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan extract.Event, eventBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// close shuts the bus down and closes every subscriber channel.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
