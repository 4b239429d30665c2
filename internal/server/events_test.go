package server

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestHub() *EventHub {
	return NewEventHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEventHub_PublishSubscribe(t *testing.T) {
	hub := newTestHub()

	events, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish("session.started", "sess-1", "container dawnyawn-sbx-abc")

	select {
	case ev := <-events:
		if ev.Type != "session.started" {
			t.Errorf("Type = %q", ev.Type)
		}
		if ev.SessionID != "sess-1" {
			t.Errorf("SessionID = %q", ev.SessionID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("event has no timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventHub_FanOut(t *testing.T) {
	hub := newTestHub()

	a, cancelA := hub.Subscribe()
	defer cancelA()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish("command.executed", "sess-1", "nmap -F target")

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Detail != "nmap -F target" {
				t.Errorf("subscriber %s got detail %q", name, ev.Detail)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s missed the event", name)
		}
	}
}

func TestEventHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := newTestHub()

	_, cancel := hub.Subscribe()
	defer cancel()

	// The subscriber never reads. Publishing past its buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("session.ended", "sess-1", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestEventHub_CancelStopsDelivery(t *testing.T) {
	hub := newTestHub()

	events, cancel := hub.Subscribe()
	cancel()

	hub.Publish("sandbox.reaped", "", "dawnyawn-sbx-dead")

	select {
	case ev := <-events:
		t.Errorf("cancelled subscriber received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
