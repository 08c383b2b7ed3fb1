package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversAndStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: SessionReady, Session: "default"})
	select {
	case e := <-ch:
		if e.Type != SessionReady || e.Session != "default" {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribePrefixFilters(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := SubscribePrefix(b, 4, "session.")
	defer unsub()

	b.Publish(Event{Type: DispatchResult})
	b.Publish(Event{Type: SessionLinking, Data: "challenge"})

	e := <-ch
	if e.Type != SessionLinking {
		t.Fatalf("got %s, want %s", e.Type, SessionLinking)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: DispatchResult})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := Dropped(b); got != 9 {
		t.Fatalf("Dropped = %d, want 9", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: SessionReady})
}
