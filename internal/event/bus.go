// Package event provides the pub/sub channel drivers and plugins emit on,
// backed by watermill's gochannel infrastructure.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type names a kind of event on the bus.
type Type string

const (
	// SessionCreated / SessionDeleted are published by the session registry.
	SessionCreated Type = "session.created"
	SessionDeleted Type = "session.deleted"
	// DriverBidi carries a BiDi event emitted by a driver or plugin; its
	// Data is a BidiEvent.
	DriverBidi Type = "driver.bidi.event"
)

// Event is one published occurrence.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// BidiEvent is the payload of a DriverBidi event.
type BidiEvent struct {
	Context string `json:"context"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Subscriber receives published events.
type Subscriber func(Event)

type entry struct {
	id uint64
	fn Subscriber
}

// Bus is an instance-owned event bus. Each driver and plugin gets its own Bus
// as its event-emission channel; the server carries one more for registry
// events. There is no package-level bus.
type Bus struct {
	mu sync.RWMutex

	// pubsub mirrors every published event onto a watermill topic named
	// after the event type, for consumers that want message semantics.
	pubsub *gochannel.GoChannel

	subscribers map[Type][]entry
	global      []entry

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

// NewBus creates an event bus.
func NewBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]entry),
		cancel:      cancel,
	}
}

// Subscribe registers fn for one event type and returns its cancellation
// handle. Unsubscription is always through the handle so teardown can be tied
// to socket and session lifecycles.
func (b *Bus) Subscribe(t Type, fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], entry{id: id, fn: fn})

	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, entry{id: id, fn: fn})

	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, e := range subs {
		if e.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, e := range b.subscribers[t] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	return subs
}

// Publish delivers the event to all subscribers, each on its own goroutine so
// a slow socket write never blocks the publisher.
func (b *Bus) Publish(e Event) {
	for _, fn := range b.collect(e.Type) {
		go fn(e)
	}
	go b.forward(e)
}

// PublishSync delivers the event to all subscribers on the calling goroutine.
func (b *Bus) PublishSync(e Event) {
	for _, fn := range b.collect(e.Type) {
		fn(e)
	}
	b.forward(e)
}

// forward mirrors the event onto its watermill topic.
func (b *Bus) forward(e Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = b.pubsub.Publish(string(e.Type), message.NewMessage(watermill.NewUUID(), payload))
}

// Close drops all subscribers and shuts down the watermill channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[Type][]entry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// Messages returns a watermill subscription channel for one event type. Each
// message payload is the JSON encoding of the Event.
func (b *Bus) Messages(ctx context.Context, t Type) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, string(t))
}
