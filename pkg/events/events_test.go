package events

import (
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/types"
)

func TestPublishDelivery(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(New(types.EventConfigChanged).With("source", "test"))

	select {
	case event := <-sub:
		if event.Kind != types.EventConfigChanged {
			t.Errorf("got kind %s", event.Kind)
		}
		if event.Metadata["source"] != "test" {
			t.Errorf("metadata lost: %v", event.Metadata)
		}
		if event.Attempts != 1 {
			t.Errorf("attempts = %d, want 1", event.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRequeueRedelivers(t *testing.T) {
	broker := NewBroker()
	broker.RequeueDelay = 10 * time.Millisecond
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	event := New(types.EventStart)
	broker.Publish(event)

	first := <-sub
	broker.Requeue(first)

	select {
	case second := <-sub:
		if second.ID != event.ID {
			t.Error("requeue delivered a different event")
		}
		if second.Attempts != 2 {
			t.Errorf("attempts = %d, want 2", second.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requeued event was not re-delivered")
	}
}

func TestSubscriberCount(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	if broker.SubscriberCount() != 0 {
		t.Fatal("fresh broker has subscribers")
	}
	sub := broker.Subscribe()
	if broker.SubscriberCount() != 1 {
		t.Fatal("subscription not counted")
	}
	broker.Unsubscribe(sub)
	if broker.SubscriberCount() != 0 {
		t.Fatal("unsubscription not counted")
	}
}
