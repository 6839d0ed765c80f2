package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failed, unsubFailed := b.Subscribe(4, NotificationFailed)
	defer unsubFailed()

	b.Publish(Event{Type: SlipCreated, Data: SlipEvent{TrackingID: "STC1"}})
	b.Publish(Event{Type: NotificationFailed, Data: SlipEvent{TrackingID: "STC2"}})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	select {
	case e := <-failed:
		if e.Type != NotificationFailed || e.Data.(SlipEvent).TrackingID != "STC2" {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish should stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	if len(failed) != 0 {
		t.Fatal("filtered subscriber received an unrelated event")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: SlipCreated})
	}
	if Dropped(b) != 9 {
		t.Fatalf("dropped = %d, want 9", Dropped(b))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: SlipCreated})
}
