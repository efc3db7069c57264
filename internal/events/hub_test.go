package events

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/folia/internal/records"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_DeliversInOrder(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx, 4)

	h.Publish(Event{Kind: KindStatus, RecordID: "r1", From: records.StatusLocal, To: records.StatusPendingPush})
	h.Publish(Event{Kind: KindCycle, Detail: "done"})

	first, second := recv(t, ch), recv(t, ch)
	if first.Kind != KindStatus || first.To != records.StatusPendingPush {
		t.Errorf("first = %+v", first)
	}
	if second.Kind != KindCycle {
		t.Errorf("second = %+v", second)
	}
	if first.At.IsZero() {
		t.Error("At not stamped")
	}
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, 1)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
	h.Publish(Event{Kind: KindStatus})
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Kind: KindStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if h.Dropped() != 9 {
		t.Errorf("Dropped = %d, want 9", h.Dropped())
	}
}
