package eventbus

import (
	"sync"
	"testing"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	dm, unsubDM := b.Subscribe(4, "massdm.")
	defer unsubDM()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: "massdm.finished", Data: 7})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(dm); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-dm
	if e.Type != "massdm.finished" || e.Data != 7 || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered=%d", len(ch))
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped=%d, want 2", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); b.Publish(Event{Type: "x"}) }()
		go func() { defer wg.Done(); unsub() }()
	}
	wg.Wait()

	for range ch {
	}
	b.Publish(Event{Type: "after"})
}
