package events

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNodeCreated)

	bus.Publish(EventNodeCreated, Payload{"id": "s1"})

	select {
	case payload := <-sub:
		if payload["id"] != "s1" {
			t.Fatalf("payload[id] = %v, want s1", payload["id"])
		}
	default:
		t.Fatal("expected a delivered payload")
	}
}

func TestPublishWithoutSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	bus.Publish(EventNodeRemoved, Payload{"id": "gone"})
}

func TestPublishToFullBufferDropsSilently(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNodeStateChanged)
	for i := 0; i < 100; i++ {
		bus.Publish(EventNodeStateChanged, Payload{"i": i})
	}
	if len(sub) == 0 {
		t.Fatal("expected buffered payloads to remain")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventLinkConnected)
	bus.Unsubscribe(EventLinkConnected, sub)

	_, ok := <-sub
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
