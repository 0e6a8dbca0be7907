package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	b := NewBus(4)
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)
	b.Subscribe(KindResultAvailable, func(ctx context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Result.DiagnosticID)
		mu.Unlock()
		done <- struct{}{}
	})
	b.Subscribe(KindResultAvailable, func(ctx context.Context, ev Event) {
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	if !b.PublishResult(ResultAvailable{DiagnosticID: "d1"}) {
		t.Fatalf("publish rejected")
	}
	if !b.PublishResult(ResultAvailable{DiagnosticID: "d2"}) {
		t.Fatalf("publish rejected")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler not called")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "d1" || got[1] != "d2" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewBus(1)
	if !b.PublishResult(ResultAvailable{DiagnosticID: "a"}) {
		t.Fatalf("first publish should fit")
	}
	if b.PublishResult(ResultAvailable{DiagnosticID: "b"}) {
		t.Fatalf("second publish should be dropped")
	}
}

func TestRunDrainsBufferedOnShutdown(t *testing.T) {
	b := NewBus(4)
	var n int
	var mu sync.Mutex
	b.Subscribe(KindResultAvailable, func(ctx context.Context, ev Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	b.PublishResult(ResultAvailable{DiagnosticID: "a"})
	b.PublishResult(ResultAvailable{DiagnosticID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 drained events, got %d", n)
	}
}
