package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPushEvictsOldestAtCapacity(t *testing.T) {
	q := NewDropping[int](5)
	for i := 1; i <= 10; i++ {
		q.Push(i)
		if got := q.Len(); got > 5 {
			t.Fatalf("queue grew past capacity: %d", got)
		}
	}
	if got := q.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped, got %d", got)
	}
	want := []int{6, 7, 8, 9, 10}
	for i, expect := range want {
		item, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if item != expect {
			t.Fatalf("pop %d: expected %d, got %d", i, expect, item)
		}
	}
	if !q.Empty() {
		t.Fatalf("expected empty queue, len=%d", q.Len())
	}
}

func TestPopDrainsBufferAfterClose(t *testing.T) {
	q := NewDropping[string](4)
	q.Push("a")
	q.Push("b")
	q.Close()
	for _, want := range []string{"a", "b"} {
		item, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if item != want {
			t.Fatalf("expected %q, got %q", want, item)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := NewDropping[int](2)
	got := make(chan int, 1)
	errs := make(chan error, 1)
	go func() {
		item, err := q.Pop(context.Background())
		if err != nil {
			errs <- err
			return
		}
		got <- item
	}()

	select {
	case item := <-got:
		t.Fatalf("pop returned %d before any push", item)
	case err := <-errs:
		t.Fatalf("pop failed before any push: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(42)
	select {
	case item := <-got:
		if item != 42 {
			t.Fatalf("expected 42, got %d", item)
		}
	case err := <-errs:
		t.Fatalf("pop failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestCloseWakesAllWaiters(t *testing.T) {
	q := NewDropping[int](2)
	const parked = 5
	done := make(chan error, parked)
	for i := 0; i < parked; i++ {
		go func() {
			_, err := q.Pop(context.Background())
			done <- err
		}()
	}
	waitForWaiters(t, q, parked)

	q.Close()
	for i := 0; i < parked; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("waiter %d: expected ErrClosed, got %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d still parked after close", i)
		}
	}
}

func TestPopHonoursContextCancel(t *testing.T) {
	q := NewDropping[int](2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	waitForWaiters(t, q, 1)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not observe cancellation")
	}

	// The abandoned waiter must not swallow subsequent pushes.
	q.Push(7)
	item, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop after cancel: %v", err)
	}
	if item != 7 {
		t.Fatalf("expected 7, got %d", item)
	}
}

func TestPopWithCancelledContextReturnsImmediately(t *testing.T) {
	q := NewDropping[int](2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPushAfterCloseDiscards(t *testing.T) {
	q := NewDropping[int](2)
	q.Close()
	q.Push(1)
	if got := q.Len(); got != 0 {
		t.Fatalf("expected empty queue, len=%d", got)
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped, got %d", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := NewDropping[int](2)
	q.Push(1)
	q.Close()
	q.Close()
	item, err := q.Pop(context.Background())
	if err != nil || item != 1 {
		t.Fatalf("expected buffered item after double close, got %d, %v", item, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentPopsExactlyOnce(t *testing.T) {
	const (
		pushes    = 2000
		consumers = 4
		capacity  = 64
	)
	q := NewDropping[int](capacity)

	var mu sync.Mutex
	seen := make(map[int]int, pushes)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Pop(context.Background())
				if errors.Is(err, ErrClosed) {
					return
				}
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				mu.Lock()
				seen[item]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < pushes; i++ {
		q.Push(i)
	}
	q.Close()
	wg.Wait()

	popped := 0
	for item, count := range seen {
		if count != 1 {
			t.Fatalf("item %d popped %d times", item, count)
		}
		popped++
	}
	dropped := int(q.Dropped())
	if popped+dropped != pushes {
		t.Fatalf("popped %d + dropped %d != pushed %d", popped, dropped, pushes)
	}
	if !q.Empty() {
		t.Fatalf("expected drained queue, len=%d", q.Len())
	}
}

func TestAbandonRequeuesDeliveredItem(t *testing.T) {
	q := NewDropping[int](2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newWaiter[int](ctx)
	// Simulate a push beating the cancellation path: the waiter is already
	// unlinked and holds a delivered element.
	if !w.deliver(9) {
		t.Fatal("deliver failed")
	}
	q.abandon(w)
	if got := q.Len(); got != 1 {
		t.Fatalf("expected requeued item, len=%d", got)
	}
	item, err := q.Pop(context.Background())
	if err != nil || item != 9 {
		t.Fatalf("expected requeued 9, got %d, %v", item, err)
	}
}

func TestAbandonDropsWhenFull(t *testing.T) {
	q := NewDropping[int](1)
	q.Push(1)
	w := newWaiter[int](context.Background())
	if !w.deliver(0) {
		t.Fatal("deliver failed")
	}
	q.abandon(w)
	if got := q.Len(); got != 1 {
		t.Fatalf("expected len 1, got %d", got)
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("expected recovered item counted dropped, got %d", got)
	}
}

func waitForWaiters[T any](t *testing.T, q *Dropping[T], n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		parked := len(q.waiters)
		q.mu.Unlock()
		if parked >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("fewer than %d waiters parked within deadline", n)
}
