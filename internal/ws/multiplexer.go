package ws

import (
	"log/slog"
	"sync"

	"github.com/c-pro/geche"
)

// Event is one decoded inbound frame.
type Event struct {
	Topic   Topic
	Payload any
}

// Stream fans the frames of one topic out to its listeners. A stream
// outlives its transport subscription, so listeners keep receiving after a
// deactivate/activate cycle or a reconnect.
type Stream struct {
	topic Topic

	mu        sync.RWMutex
	next      int
	listeners map[int]func(Event)
	order     []int
}

func newStream(topic Topic) *Stream {
	return &Stream{
		topic:     topic,
		listeners: make(map[int]func(Event)),
	}
}

func (s *Stream) Topic() Topic {
	return s.topic
}

// Listen registers fn and returns a function that removes it.
func (s *Stream) Listen(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	s.listeners[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Stream) publish(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Transport is what the multiplexer needs from the connection.
type Transport interface {
	State() State
	Subscribe(destination string, handler func([]byte)) (string, error)
	Unsubscribe(id string) error
	OnConnect(func())
	OnDisconnect(func())
}

type subscription struct {
	stream   *Stream
	refCount int
	handle   string
	pinned   bool
}

// Multiplexer maps topics onto transport subscriptions over one connection.
// A transport subscription exists for a topic iff its reference count is
// positive and the transport is connected.
type Multiplexer struct {
	transport Transport
	log       *slog.Logger

	registry *geche.Locker[Topic, *subscription]
	// every topic ever touched, in first-touch order; guarded by registry
	topics []Topic
}

// NewMultiplexer wires itself to the transport's connect and disconnect
// hooks and pins the presence topic, which is connection-scoped.
func NewMultiplexer(transport Transport, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multiplexer{
		transport: transport,
		log:       logger.With("component", "multiplexer"),
		registry:  geche.NewLocker[Topic, *subscription](geche.NewMapCache[Topic, *subscription]()),
	}

	transport.OnConnect(m.resubscribe)
	transport.OnDisconnect(m.dropHandles)

	tx := m.registry.Lock()
	sub := m.track(TopicPresence)
	sub.pinned = true
	tx.Set(TopicPresence, sub)
	m.acquire(TopicPresence, sub)
	tx.Unlock()

	return m
}

// StreamFor returns the shared stream for topic, creating it if needed.
// It does not open a transport subscription.
func (m *Multiplexer) StreamFor(topic Topic) *Stream {
	tx := m.registry.Lock()
	defer tx.Unlock()

	sub, err := tx.Get(topic)
	if err != nil {
		sub = m.track(topic)
		tx.Set(topic, sub)
	}
	return sub.stream
}

// Activate declares interest in topic. The first interest opens the
// transport subscription, now if connected or on the next connect.
func (m *Multiplexer) Activate(topic Topic) *Stream {
	tx := m.registry.Lock()
	defer tx.Unlock()

	sub, err := tx.Get(topic)
	if err != nil {
		sub = m.track(topic)
		tx.Set(topic, sub)
	}
	m.acquire(topic, sub)
	return sub.stream
}

// Deactivate releases one interest in topic. The last release closes the
// transport subscription; the stream is kept for reuse. The presence topic
// never drops below its pinned reference.
func (m *Multiplexer) Deactivate(topic Topic) {
	tx := m.registry.Lock()
	defer tx.Unlock()

	sub, err := tx.Get(topic)
	if err != nil || sub.refCount == 0 {
		m.log.Warn("deactivate without activate", "topic", topic)
		return
	}
	if sub.pinned && sub.refCount == 1 {
		return
	}

	sub.refCount--
	if sub.refCount > 0 || sub.handle == "" {
		return
	}
	if err := m.transport.Unsubscribe(sub.handle); err != nil {
		m.log.Warn("unsubscribe failed", "topic", topic, "error", err)
	}
	sub.handle = ""
	m.log.Debug("topic released", "topic", topic)
}

// RefCount returns the net activation count of topic.
func (m *Multiplexer) RefCount(topic Topic) int {
	tx := m.registry.Lock()
	defer tx.Unlock()

	sub, err := tx.Get(topic)
	if err != nil {
		return 0
	}
	return sub.refCount
}

// Subscribed reports whether topic currently holds a transport subscription.
func (m *Multiplexer) Subscribed(topic Topic) bool {
	tx := m.registry.Lock()
	defer tx.Unlock()

	sub, err := tx.Get(topic)
	if err != nil {
		return false
	}
	return sub.handle != ""
}

// track creates the registry entry for a new topic. The caller stores it
// while holding the registry lock.
func (m *Multiplexer) track(topic Topic) *subscription {
	m.topics = append(m.topics, topic)
	return &subscription{stream: newStream(topic)}
}

// acquire must be called with the registry locked.
func (m *Multiplexer) acquire(topic Topic, sub *subscription) {
	sub.refCount++
	if sub.refCount == 1 && sub.handle == "" && m.transport.State() == StateConnected {
		m.open(topic, sub)
	}
}

// open must be called with the registry locked.
func (m *Multiplexer) open(topic Topic, sub *subscription) {
	stream := sub.stream
	handle, err := m.transport.Subscribe(topic.Destination(), func(body []byte) {
		payload, err := topic.decode(body)
		if err != nil {
			m.log.Warn("dropping frame", "topic", topic, "error", err)
			return
		}
		stream.publish(Event{Topic: topic, Payload: payload})
	})
	if err != nil {
		// Retried by resubscribe on the next connect.
		m.log.Warn("subscribe deferred", "topic", topic, "error", err)
		return
	}
	sub.handle = handle
	m.log.Debug("topic subscribed", "topic", topic)
}

func (m *Multiplexer) resubscribe() {
	tx := m.registry.Lock()
	defer tx.Unlock()

	for _, topic := range m.topics {
		sub, err := tx.Get(topic)
		if err != nil {
			continue
		}
		if sub.refCount > 0 && sub.handle == "" {
			m.open(topic, sub)
		}
	}
}

func (m *Multiplexer) dropHandles() {
	tx := m.registry.Lock()
	defer tx.Unlock()

	for _, topic := range m.topics {
		if sub, err := tx.Get(topic); err == nil {
			sub.handle = ""
		}
	}
}
