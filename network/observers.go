package network

import (
	"errors"
	"sync"
)

// ConnectionObserver is notified when an endpoint connects and, exactly once
// per endpoint lifetime, when it disconnects.
type ConnectionObserver interface {
	OnConnect(peer string)
	OnDisconnect()
}

// FrameSink receives the body of every inbound FRAME message.
type FrameSink interface {
	OnFrame(data []byte)
}

// InputSink receives every inbound MOTION message.
type InputSink interface {
	OnMotion(action, x, y int32)
}

// ErrNotAnObserver is returned when a subscriber implements none of the
// observer interfaces.
var ErrNotAnObserver = errors.New("network: subscriber implements no observer interface")

// Observers fans events out to subscribers in registration order. It
// implements ConnectionObserver, FrameSink and InputSink itself so one
// Observers can be subscribed to another.
type Observers struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

type subscription struct {
	id       uint64
	observer any
}

// NewObservers returns an empty fan-out list.
func NewObservers() *Observers {
	return &Observers{}
}

// Subscribe registers observer, which may implement any subset of
// ConnectionObserver, FrameSink and InputSink. The returned cancel func
// removes it; removal is idempotent and takes effect for events not yet
// delivered.
func (o *Observers) Subscribe(observer any) (func(), error) {
	switch observer.(type) {
	case ConnectionObserver, FrameSink, InputSink:
	default:
		return nil, ErrNotAnObserver
	}

	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, observer: observer})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}, nil
}

func (o *Observers) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, sub := range o.subs {
		if sub.id == id {
			o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
			return
		}
	}
}

func (o *Observers) snapshot() []any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]any, len(o.subs))
	for i, sub := range o.subs {
		out[i] = sub.observer
	}
	return out
}

// OnConnect notifies every ConnectionObserver.
func (o *Observers) OnConnect(peer string) {
	for _, sub := range o.snapshot() {
		if c, ok := sub.(ConnectionObserver); ok {
			c.OnConnect(peer)
		}
	}
}

// OnDisconnect notifies every ConnectionObserver.
func (o *Observers) OnDisconnect() {
	for _, sub := range o.snapshot() {
		if c, ok := sub.(ConnectionObserver); ok {
			c.OnDisconnect()
		}
	}
}

// OnFrame notifies every FrameSink.
func (o *Observers) OnFrame(data []byte) {
	for _, sub := range o.snapshot() {
		if s, ok := sub.(FrameSink); ok {
			s.OnFrame(data)
		}
	}
}

// OnMotion notifies every InputSink.
func (o *Observers) OnMotion(action, x, y int32) {
	for _, sub := range o.snapshot() {
		if s, ok := sub.(InputSink); ok {
			s.OnMotion(action, x, y)
		}
	}
}

// mailbox is an unbounded FIFO. push never blocks; the consumer waits on
// signal and takes everything queued with drain.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(item T) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
