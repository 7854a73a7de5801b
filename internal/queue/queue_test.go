package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/szibis/logship/internal/message"
)

func msg(body string) *message.Message {
	return message.New(time.Now(), []byte(body))
}

func TestQueue_FIFO(t *testing.T) {
	q := New("test", 10, DiscardOldest)

	for i := 0; i < 5; i++ {
		q.Enqueue(msg(fmt.Sprintf("m%d", i)))
	}

	for i := 0; i < 5; i++ {
		got := q.Dequeue(0)
		if got == nil {
			t.Fatalf("Dequeue %d returned nil", i)
		}
		want := fmt.Sprintf("m%d", i)
		if string(got.Body) != want {
			t.Errorf("Dequeue %d = %q, want %q", i, got.Body, want)
		}
	}

	if got := q.Dequeue(0); got != nil {
		t.Errorf("expected nil from empty queue, got %q", got.Body)
	}
}

func TestQueue_DiscardOldest(t *testing.T) {
	q := New("test", 3, DiscardOldest)

	for i := 0; i < 5; i++ {
		q.Enqueue(msg(fmt.Sprintf("m%d", i)))
	}

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	if q.DiscardCount() != 2 {
		t.Errorf("DiscardCount = %d, want 2", q.DiscardCount())
	}

	// m0 and m1 were dropped; head should be m2
	if got := q.Dequeue(0); string(got.Body) != "m2" {
		t.Errorf("head = %q, want m2", got.Body)
	}
}

func TestQueue_DiscardNewest(t *testing.T) {
	q := New("test", 3, DiscardNewest)

	for i := 0; i < 5; i++ {
		q.Enqueue(msg(fmt.Sprintf("m%d", i)))
	}

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	// incoming m3 and m4 were dropped; queue holds m0..m2
	for i := 0; i < 3; i++ {
		got := q.Dequeue(0)
		want := fmt.Sprintf("m%d", i)
		if string(got.Body) != want {
			t.Errorf("Dequeue %d = %q, want %q", i, got.Body, want)
		}
	}
}

func TestQueue_DiscardNone_RejectsAtCapacity(t *testing.T) {
	q := New("test", 2, DiscardNone)

	q.Enqueue(msg("m0"))
	q.Enqueue(msg("m1"))
	q.Enqueue(msg("m2"))

	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	if q.DiscardCount() != 1 {
		t.Errorf("DiscardCount = %d, want 1", q.DiscardCount())
	}
}

func TestQueue_ZeroThresholdDiscardsEverything(t *testing.T) {
	q := New("test", 0, DiscardOldest)

	for i := 0; i < 10; i++ {
		q.Enqueue(msg("m"))
	}

	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if q.DiscardCount() != 10 {
		t.Errorf("DiscardCount = %d, want 10", q.DiscardCount())
	}
}

func TestQueue_ThresholdInvariant(t *testing.T) {
	for _, action := range []DiscardAction{DiscardNone, DiscardOldest, DiscardNewest} {
		t.Run(string(action), func(t *testing.T) {
			q := New("test", 7, action)
			for i := 0; i < 100; i++ {
				q.Enqueue(msg("m"))
				if q.Len() > 7 {
					t.Fatalf("queue grew to %d past threshold 7", q.Len())
				}
			}
		})
	}
}

func TestQueue_RequeuePreservesOrder(t *testing.T) {
	q := New("test", 10, DiscardOldest)

	q.Enqueue(msg("m3"))

	// A failed batch [m0 m1 m2] is requeued in reverse so the head ends
	// up in original order ahead of anything already queued.
	q.Requeue(msg("m2"))
	q.Requeue(msg("m1"))
	q.Requeue(msg("m0"))

	for i := 0; i < 4; i++ {
		got := q.Dequeue(0)
		want := fmt.Sprintf("m%d", i)
		if string(got.Body) != want {
			t.Errorf("Dequeue %d = %q, want %q", i, got.Body, want)
		}
	}
}

func TestQueue_RequeueBypassesThreshold(t *testing.T) {
	q := New("test", 2, DiscardNewest)

	q.Enqueue(msg("m0"))
	q.Enqueue(msg("m1"))
	q.Requeue(msg("inflight"))

	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3 (requeue must not drop in-flight messages)", q.Len())
	}
	if got := q.Dequeue(0); string(got.Body) != "inflight" {
		t.Errorf("head = %q, want inflight", got.Body)
	}
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := New("test", 10, DiscardOldest)

	start := time.Now()
	got := q.Dequeue(50 * time.Millisecond)
	elapsed := time.Since(start)

	if got != nil {
		t.Errorf("expected nil on timeout, got %q", got.Body)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Dequeue returned after %v, expected to wait ~50ms", elapsed)
	}
}

func TestQueue_DequeueWaitsForEnqueue(t *testing.T) {
	q := New("test", 10, DiscardOldest)

	done := make(chan *message.Message, 1)
	go func() {
		done <- q.Dequeue(5 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(msg("late"))

	select {
	case got := <-done:
		if got == nil || string(got.Body) != "late" {
			t.Errorf("got %v, want late", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake on enqueue")
	}
}

func TestQueue_ReleaseWakesBlockedDequeue(t *testing.T) {
	q := New("test", 10, DiscardOldest)

	done := make(chan *message.Message, 1)
	go func() {
		done <- q.Dequeue(time.Hour)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Release()

	select {
	case got := <-done:
		if got != nil {
			t.Errorf("expected nil after release, got %q", got.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake on Release")
	}

	// After release, waits become polls but queued messages still drain.
	q.Enqueue(msg("remaining"))
	if got := q.Dequeue(time.Hour); got == nil || string(got.Body) != "remaining" {
		t.Errorf("got %v, want remaining", got)
	}
}

func TestQueue_HotSwapThreshold(t *testing.T) {
	q := New("test", 5, DiscardNewest)

	for i := 0; i < 5; i++ {
		q.Enqueue(msg("m"))
	}

	q.SetDiscardThreshold(8)
	q.Enqueue(msg("m"))
	if q.Len() != 6 {
		t.Errorf("Len = %d after raising threshold, want 6", q.Len())
	}

	q.SetDiscardThreshold(3)
	before := q.Len()
	q.Enqueue(msg("m"))
	if q.Len() != before {
		t.Errorf("Len grew past lowered threshold: %d -> %d", before, q.Len())
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := New("test", 1000, DiscardOldest)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(msg("m"))
			}
		}()
	}
	wg.Wait()

	if q.Len() != 800 {
		t.Errorf("Len = %d, want 800", q.Len())
	}
}
