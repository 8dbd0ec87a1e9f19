package fabric

import (
	"sync"
	"sync/atomic"
)

// Handler is called synchronously for every payload published on the topic it
// was registered for.
type Handler func(payload []byte)

// Memory is an in-process Fabric. Subscribers receive a private copy of every
// payload. Handlers run on the publisher's goroutine before Publish returns,
// which lets an in-process responder queue its reply ahead of the caller's
// next receive.
type Memory struct {
	mu       sync.Mutex
	subs     map[string]*subscription
	handlers map[string]handlerEntry
	closed   bool
	dropped  atomic.Uint64
}

type handlerEntry struct {
	topic string
	fn    Handler
}

var _ Fabric = (*Memory)(nil)

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[string]*subscription),
		handlers: make(map[string]handlerEntry),
	}
}

// Publish delivers payload to handlers and subscribers of topic.
func (m *Memory) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var fns []Handler
	for _, h := range m.handlers {
		if h.topic == topic {
			fns = append(fns, h.fn)
		}
	}
	for _, s := range m.subs {
		if s.topic != topic {
			continue
		}
		if !s.deliver(append([]byte(nil), payload...)) {
			m.dropped.Add(1)
		}
	}
	m.mu.Unlock()

	// handlers may publish replies, so they run without the lock held
	for _, fn := range fns {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe registers a buffered channel for topic.
func (m *Memory) Subscribe(topic string) (string, <-chan []byte, error) {
	if topic == "" {
		return "", nil, ErrEmptyTopic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", nil, ErrClosed
	}
	id := randomID()
	s := &subscription{topic: topic, ch: make(chan []byte, SubscriberBuffer)}
	m.subs[id] = s
	return id, s.ch, nil
}

// Handle registers fn to be called synchronously for each payload on topic.
// The returned id can be passed to Unsubscribe.
func (m *Memory) Handle(topic string, fn Handler) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := randomID()
	m.handlers[id] = handlerEntry{topic: topic, fn: fn}
	return id
}

// Unsubscribe removes a subscription or handler.
func (m *Memory) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		close(s.ch)
		delete(m.subs, id)
	}
	delete(m.handlers, id)
}

// Dropped reports how many deliveries were discarded because a subscriber's
// buffer was full.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

// Close closes all subscriber channels. Later publishes return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
	clear(m.handlers)
	return nil
}
