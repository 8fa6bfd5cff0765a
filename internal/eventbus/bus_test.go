package eventbus

import (
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "x"})

	if got := drain(a); len(got) != 1 || got[0].Type != "x" {
		t.Fatalf("a = %+v", got)
	}
	if got := drain(c); len(got) != 1 {
		t.Fatalf("c = %+v", got)
	}
}

func TestSubscribeTopicsFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "wanted")
	defer unsub()

	b.Publish(Event{Type: "ignored"})
	b.Publish(Event{Type: "wanted"})

	got := drain(ch)
	if len(got) != 1 || got[0].Type != "wanted" {
		t.Fatalf("events = %+v", got)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full, dropped

	got := drain(ch)
	if len(got) != 1 || got[0].Type != "a" {
		t.Fatalf("events = %+v", got)
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)

	unsub()
	unsub() // second call is a no-op
	b.Publish(Event{Type: "late"})

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
}

func TestPublishStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	got := drain(ch)
	if len(got) != 1 || got[0].Time.IsZero() {
		t.Fatalf("events = %+v", got)
	}
	if time.Since(got[0].Time) > time.Minute {
		t.Fatalf("stamp = %v", got[0].Time)
	}
}
