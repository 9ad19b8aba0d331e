package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated, Data: "sess-1"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SessionCreated {
			t.Errorf("expected SessionCreated, got %v", received.Type)
		}
		if received.Data != "sess-1" {
			t.Errorf("expected 'sess-1', got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(DriverBidi, func(Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: DriverBidi})
	unsub()
	bus.PublishSync(Event{Type: DriverBidi})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.SubscribeAll(func(Event) {
		atomic.AddInt32(&count, 1)
	})
	defer unsub()

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionDeleted})
	bus.PublishSync(Event{Type: DriverBidi})

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
}

func TestBusCloseDropsSubscribers(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(SessionDeleted, func(Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	bus.PublishSync(Event{Type: SessionDeleted})

	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("expected no deliveries after close, got %d", got)
	}

	// Subscribing after close returns a no-op handle.
	unsub := bus.Subscribe(SessionDeleted, func(Event) {})
	unsub()
}

func TestBusMessagesMirror(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := bus.Messages(ctx, SessionCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.PublishSync(Event{Type: SessionCreated, Data: "sess-9"})

	select {
	case msg := <-messages:
		msg.Ack()
		var e Event
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Data != "sess-9" {
			t.Errorf("expected 'sess-9', got %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no mirrored message arrived")
	}
}
