package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeOpened, 1)
	defer unsub()

	bus.Publish(EventTradeOpened, "t-1")
	select {
	case got := <-ch:
		if got != "t-1" {
			t.Fatalf("payload=%v, expected t-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	bus.Publish(EventPriceTick, 1)
	bus.Publish(EventPriceTick, 2)
	if got := bus.Dropped(); got != 1 {
		t.Fatalf("dropped=%d, expected 1", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeClosed, 1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	bus.Publish(EventTradeClosed, "ignored")
}

func TestSubscribeManyWrapsTopics(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeMany([]Event{EventTradeOpened, EventTradeClosed}, 4)
	defer unsub()

	bus.Publish(EventTradeClosed, "t-2")
	select {
	case env := <-ch:
		if env.Type != EventTradeClosed || env.Payload != "t-2" {
			t.Fatalf("envelope=%+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}
