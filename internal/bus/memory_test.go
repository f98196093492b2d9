package bus

import (
	"errors"
	"testing"

	"vcrelay/internal/testutil/testlog"
)

func TestMemoryBusOrderedDelivery(t *testing.T) {
	testlog.Start(t)
	b := NewMemoryBus()
	defer b.Close()

	var got []string
	unsub, err := b.Subscribe("vc.in", func(payload string) {
		got = append(got, payload)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	for _, p := range []string{"a", "b", "c"} {
		if err := b.Broadcast("vc.in", p); err != nil {
			t.Fatalf("broadcast %q: %v", p, err)
		}
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	testlog.Start(t)
	b := NewMemoryBus()
	defer b.Close()

	var hits int
	if _, err := b.Subscribe("vc.out", func(string) { hits++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Broadcast("vc.in", "misdirected"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if hits != 0 {
		t.Fatalf("handler saw payload for another topic")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	testlog.Start(t)
	b := NewMemoryBus()
	defer b.Close()

	var hits int
	unsub, err := b.Subscribe("vc.in", func(string) { hits++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Broadcast("vc.in", "one")
	unsub()
	b.Broadcast("vc.in", "two")
	if hits != 1 {
		t.Fatalf("expected one delivery, got %d", hits)
	}
}

func TestMemoryBusClosed(t *testing.T) {
	testlog.Start(t)
	b := NewMemoryBus()
	b.Close()
	if err := b.Broadcast("vc.in", "x"); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, err := b.Subscribe("vc.in", func(string) {}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}
