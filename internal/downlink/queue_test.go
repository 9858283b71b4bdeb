package downlink

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestQueue(capacity int) *Queue {
	return NewQueue(capacity, 50*time.Millisecond)
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := newTestQueue(10)
	ctx := context.Background()
	for _, p := range []int{4, 0, 2, 1, 3} {
		if err := q.Push(ctx, &Item{Priority: p}); err != nil {
			t.Fatalf("push priority %d: %v", p, err)
		}
	}

	for want := 0; want <= 4; want++ {
		it, ok := q.TryPop()
		if !ok {
			t.Fatalf("queue empty before priority %d", want)
		}
		if it.Priority != want {
			t.Fatalf("popped priority %d, want %d", it.Priority, want)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("queue not empty after draining")
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := newTestQueue(10)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, &Item{Priority: 2, Name: name}); err != nil {
			t.Fatalf("push %s: %v", name, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		it, _ := q.TryPop()
		if it == nil || it.Name != want {
			t.Fatalf("popped %v, want %s", it, want)
		}
	}
}

// A beacon, an image and a thumbnail queued together leave in priority
// order, one per scheduling tick.
func TestQueue_BeaconPreemptsData(t *testing.T) {
	q := newTestQueue(10)
	ctx := context.Background()
	for _, it := range []*Item{
		NewPayloadItem(KindBeacon, "beacon", []byte{0xAA, 0x5A}),
		NewFileItem(KindImage, "img_0001.jpg"),
		NewFileItem(KindThumbnail, "thumb_0001.jpg"),
	} {
		if err := q.Push(ctx, it); err != nil {
			t.Fatalf("push %s: %v", it.Name, err)
		}
	}

	for _, want := range []Kind{KindBeacon, KindImage, KindThumbnail} {
		it, ok := q.TryPop()
		if !ok || it.Kind != want {
			t.Fatalf("tick popped %v, want kind %s", it, want)
		}
	}
}

func TestQueue_FullTimesOut(t *testing.T) {
	q := newTestQueue(1)
	ctx := context.Background()
	if err := q.Push(ctx, &Item{}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	start := time.Now()
	err := q.Push(ctx, &Item{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second push returned %v, want ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("push gave up after %v, want a bounded block near 50ms", elapsed)
	}

	if _, ok := q.TryPop(); !ok {
		t.Fatal("pop after full queue")
	}
	if err := q.Push(ctx, &Item{}); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
}

func TestQueue_FullUnblocksOnPop(t *testing.T) {
	q := NewQueue(1, time.Second)
	ctx := context.Background()
	if err := q.Push(ctx, &Item{Name: "first"}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryPop()
	}()

	if err := q.Push(ctx, &Item{Name: "second"}); err != nil {
		t.Fatalf("blocked push should succeed once space frees: %v", err)
	}
	it, ok := q.TryPop()
	if !ok || it.Name != "second" {
		t.Fatalf("popped %v, want second", it)
	}
}

func TestQueue_PushCancelled(t *testing.T) {
	q := NewQueue(1, time.Minute)
	if err := q.Push(context.Background(), &Item{}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Push(ctx, &Item{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("push on cancelled context returned %v", err)
	}
}
