package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 32

// Message is an opaque payload delivered to every subscriber of a channel.
// The bus does not inspect it; filtering happens at the session layer.
type Message []byte

// Bus is an in-process publish/subscribe fabric keyed by channel name.
// Delivery to each subscriber preserves per-channel publish order; slow
// subscribers drop messages rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a listener on the named channel. The returned cancel
// function is idempotent; the subscription also ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan Message, func()) {
	if channel == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Message, b.bufferSize),
	}
	b.register(channel, sub)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.unregister(channel, sub.id)
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return sub.stream, cancel
}

// Publish delivers the message to every current subscriber of the channel.
func (b *Bus) Publish(channel string, message Message) {
	if channel == "" || len(message) == 0 {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[channel]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(channel string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[int64]*subscriber)
	}
	b.subscribers[channel][sub.id] = sub
}

func (b *Bus) unregister(channel string, subscriberID int64) {
	b.mu.Lock()
	subs := b.subscribers[channel]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.subscribers, channel)
		}
	}
	b.mu.Unlock()
}
