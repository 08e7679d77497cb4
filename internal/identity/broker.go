package identity

import "sync"

// Broker fans session events out to in-process listeners. Listeners are called
// synchronously and must not block.
type Broker struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(Event)
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{listeners: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Broker) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every listener.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
